package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitCommand(t *testing.T) {
	tmpdir := t.TempDir()
	t.Chdir(tmpdir)
	outFile := filepath.Join(tmpdir, "config.yaml")

	originalOutput := initOutputFile
	originalInput := initInput
	t.Cleanup(
		func() {
			initOutputFile = originalOutput
			initInput = originalInput
		},
	)

	initOutputFile = outFile
	initInput = strings.NewReader(
		"test-discord-token\n" +
			"test-application-id\n" +
			"test-client-id\n" +
			"test-gemini-key\n" +
			"999888777\n",
	)

	var out bytes.Buffer
	initCmd.SetOut(&out)
	initCmd.Run(initCmd, nil)

	assert.Contains(t, out.String(), "Wrote "+outFile)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)

	var written starterConfig
	require.NoError(t, yaml.Unmarshal(data, &written))

	assert.Equal(t, "test-discord-token", written.Discord.Token)
	assert.Equal(t, "test-application-id", written.Discord.ApplicationID)
	assert.Equal(t, "test-client-id", written.Discord.ClientID)
	assert.Equal(t, "test-gemini-key", written.Gemini.APIKey)
	assert.Equal(t, []string{"999888777"}, written.Permissions.AdminIDs)

	assert.NotEmpty(t, written.DataDir)
	assert.NotEmpty(t, written.Gemini.DefaultModel)
	assert.NotEmpty(t, written.LogLevel)

	// credentials in the file, so it shouldn't be world-readable
	info, err := os.Stat(outFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
