package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/Xelofan/geminicord/geminicord"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initOutputFile string

// initInput is swapped out by tests to script the prompts.
var initInput io.Reader = os.Stdin

// starterConfig mirrors the config tree with log levels as plain
// strings, so the generated YAML is readable and round-trips through
// viper.
type starterConfig struct {
	DataDir           string                  `yaml:"data_dir"`
	LogLevel          string                  `yaml:"log_level"`
	AllowDMs          bool                    `yaml:"allow_dms"`
	UsePlainResponses bool                    `yaml:"use_plain_responses"`
	EditInterval      string                  `yaml:"edit_interval"`
	NodeCacheSize     int                     `yaml:"node_cache_size"`
	Discord           starterDiscordConfig    `yaml:"discord"`
	Gemini            starterGeminiConfig     `yaml:"gemini"`
	Limits            geminicord.LimitsConfig `yaml:"limits"`
	Permissions       starterPermissions      `yaml:"permissions"`
}

type starterDiscordConfig struct {
	Token         string `yaml:"token"`
	ApplicationID string `yaml:"application_id"`
	ClientID      string `yaml:"client_id"`
	GuildID       string `yaml:"guild_id"`
	StatusMessage string `yaml:"status_message"`
	LogLevel      string `yaml:"log_level"`
}

type starterGeminiConfig struct {
	APIKey                string `yaml:"api_key"`
	DefaultModel          string `yaml:"default_model"`
	DefaultSystemPrompt   string `yaml:"default_system_prompt"`
	EnableSearchGrounding bool   `yaml:"enable_search_grounding"`
}

type starterPermissions struct {
	AdminIDs []string                  `yaml:"admin_ids"`
	Users    geminicord.PermissionList `yaml:"users"`
	Roles    geminicord.PermissionList `yaml:"roles"`
	Channels geminicord.PermissionList `yaml:"channels"`
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file and create the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		if _, err := os.Stat(initOutputFile); err == nil {
			log.Fatalf("%s already exists, refusing to overwrite", initOutputFile)
		}

		reader := bufio.NewReader(initInput)
		prompt := func(label string) string {
			fmt.Fprintf(out, "%s: ", label)
			value, _ := reader.ReadString('\n')
			return strings.TrimSpace(value)
		}

		defaults := geminicord.DefaultConfig()
		starter := starterConfig{
			DataDir:           defaults.DataDir,
			LogLevel:          geminicord.DefaultLogLevel.String(),
			AllowDMs:          defaults.AllowDMs,
			UsePlainResponses: defaults.UsePlainResponses,
			EditInterval:      defaults.EditInterval.String(),
			NodeCacheSize:     defaults.NodeCacheSize,
			Discord: starterDiscordConfig{
				Token:         prompt("Discord bot token"),
				ApplicationID: prompt("Discord application ID"),
				ClientID:      prompt("Discord client ID (optional)"),
				StatusMessage: defaults.Discord.StatusMessage,
				LogLevel:      geminicord.DefaultDiscordLogLevel.String(),
			},
			Gemini: starterGeminiConfig{
				APIKey:              prompt("Gemini API key"),
				DefaultModel:        defaults.Gemini.DefaultModel,
				DefaultSystemPrompt: defaults.Gemini.DefaultSystemPrompt,
			},
			Limits: defaults.Limits,
			Permissions: starterPermissions{
				AdminIDs: []string{},
			},
		}
		if adminID := prompt("Admin user ID (optional)"); adminID != "" {
			starter.Permissions.AdminIDs = append(
				starter.Permissions.AdminIDs, adminID,
			)
		}

		data, err := yaml.Marshal(starter)
		if err != nil {
			log.Fatalf("Error marshaling config: %v", err)
		}
		// the file holds credentials
		if err := os.WriteFile(initOutputFile, data, 0o600); err != nil {
			log.Fatalf("Error writing %s: %v", initOutputFile, err)
		}
		if err := os.MkdirAll(starter.DataDir, 0o755); err != nil {
			log.Fatalf("Error creating data directory: %v", err)
		}

		fmt.Fprintf(
			out,
			"Wrote %s. You can now start the bot with the 'run' subcommand.\n",
			initOutputFile,
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(
		&initOutputFile,
		"output",
		"config.yaml",
		"Path to write the starter config",
	)
}
