package geminicord

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *commandRouter {
	t.Helper()
	gate := newPermissionGate(
		&PermissionsConfig{AdminIDs: []string{"admin"}}, true, nil,
	)
	return newCommandRouter(
		newTestStore(t),
		gate,
		testLimits(),
		DefaultModel,
		"You are a helpful assistant.",
		nil,
	)
}

func commandInteraction(
	guildID string,
	user *discordgo.User,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Data:    data,
		},
	}
	if guildID != "" {
		i.Member = &discordgo.Member{User: user}
	} else {
		i.User = user
	}
	return i
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func subCommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func userOption(userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "user",
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

// alternateModel returns an available model other than the default.
func alternateModel(t *testing.T) string {
	t.Helper()
	for _, m := range AvailableModels {
		if m != DefaultModel {
			return m
		}
	}
	t.Fatal("need at least two available models")
	return ""
}

func TestCommandModel_View(t *testing.T) {
	router := newTestRouter(t)
	i := commandInteraction(
		"g1",
		&discordgo.User{ID: "u1", Username: "someone"},
		discordgo.ApplicationCommandInteractionData{Name: slashCommandModel},
	)

	reply := router.handleCommand(context.Background(), i)
	assert.Equal(t, fmt.Sprintf("Current model: `%s`", DefaultModel), reply)
}

func TestCommandModel_SwitchRequiresAdmin(t *testing.T) {
	router := newTestRouter(t)
	model := alternateModel(t)
	data := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandModel,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			stringOption("model", model),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "u1"}, data),
	)
	assert.Equal(t, "Only admins can switch models.", reply)

	// the stored model is untouched
	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, record.Model)
}

func TestCommandModel_AdminSwitch(t *testing.T) {
	router := newTestRouter(t)
	model := alternateModel(t)
	data := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandModel,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			stringOption("model", model),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "admin"}, data),
	)
	assert.Equal(t, fmt.Sprintf("Model switched to `%s`.", model), reply)

	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Equal(t, model, record.Model)

	// other scopes keep their own setting
	other, err := router.store.Load(GuildScope("g2"))
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, other.Model)
}

func TestCommandModel_RejectsUnknownModel(t *testing.T) {
	router := newTestRouter(t)
	data := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandModel,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			stringOption("model", "gpt-7-unreal"),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "admin"}, data),
	)
	assert.Equal(t, "Unknown model: `gpt-7-unreal`", reply)
}

func TestCommandPrompt_ViewAndSet(t *testing.T) {
	router := newTestRouter(t)
	admin := &discordgo.User{ID: "admin"}

	view := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandPrompt,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("view"),
		},
	}
	reply := router.handleCommand(
		context.Background(), commandInteraction("g1", admin, view),
	)
	assert.Contains(t, reply, "You are a helpful assistant.")

	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandPrompt,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("set", stringOption("prompt", "Answer like a pirate.")),
		},
	}
	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", admin, set),
	)
	assert.Equal(t, "System prompt updated.", reply)

	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", admin, view),
	)
	assert.Contains(t, reply, "Answer like a pirate.")

	reset := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandPrompt,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("reset"),
		},
	}
	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", admin, reset),
	)
	assert.Equal(t, "System prompt reset to the default.", reply)

	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Nil(t, record.SystemPrompt)
}

func TestCommandPrompt_SetRequiresAdmin(t *testing.T) {
	router := newTestRouter(t)
	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandPrompt,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("set", stringOption("prompt", "nope")),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "u1"}, set),
	)
	assert.Equal(t, "Only admins can change the system prompt.", reply)
}

func TestCommandKnown_SelfLifecycle(t *testing.T) {
	router := newTestRouter(t)
	user := &discordgo.User{ID: "u1", Username: "someone", GlobalName: "Someone"}

	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("set", stringOption("description", "likes trains")),
		},
	}
	reply := router.handleCommand(
		context.Background(), commandInteraction("g1", user, set),
	)
	assert.Equal(t, "Description saved for <@u1>.", reply)

	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Equal(t, "likes trains", record.Users["u1"].Description)
	assert.Equal(t, "Someone", record.Users["u1"].DisplayName)

	view := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("view"),
		},
	}
	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", user, view),
	)
	assert.Equal(t, "<@u1>: likes trains", reply)

	remove := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("remove"),
		},
	}
	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", user, remove),
	)
	assert.Equal(t, "Description removed for <@u1>.", reply)

	reply = router.handleCommand(
		context.Background(), commandInteraction("g1", user, view),
	)
	assert.Equal(t, "No description stored for <@u1>.", reply)

	// removal clears the description only: the discovered profile stays
	record, err = router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	profile, ok := record.Users["u1"]
	require.True(t, ok)
	assert.Empty(t, profile.Description)
	assert.Equal(t, "Someone", profile.DisplayName)
	assert.False(t, profile.FirstSeen.IsZero())
}

func TestCommandKnown_TargetingOthersRequiresAdmin(t *testing.T) {
	router := newTestRouter(t)
	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand(
				"set",
				stringOption("description", "sneaky"),
				userOption("u2"),
			),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "u1"}, set),
	)
	assert.Equal(t, "Only admins can manage other users' descriptions.", reply)
}

func TestCommandKnown_AdminTargetsOther(t *testing.T) {
	router := newTestRouter(t)
	data := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand(
				"set",
				stringOption("description", "resident expert"),
				userOption("u2"),
			),
		},
		Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
			Users: map[string]*discordgo.User{
				"u2": {ID: "u2", Username: "expert", GlobalName: "The Expert"},
			},
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "admin"}, data),
	)
	assert.Equal(t, "Description saved for <@u2>.", reply)

	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Equal(t, "resident expert", record.Users["u2"].Description)
	assert.Equal(t, "The Expert", record.Users["u2"].DisplayName)
}

func TestCommandKnown_DescriptionTruncated(t *testing.T) {
	router := newTestRouter(t)
	long := strings.Repeat("x", 150)
	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("set", stringOption("description", long)),
		},
	}

	router.handleCommand(
		context.Background(),
		commandInteraction("g1", &discordgo.User{ID: "u1"}, set),
	)

	record, err := router.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Len(
		t,
		[]rune(record.Users["u1"].Description),
		testLimits().MaxUserDescriptionLength,
	)
}

func TestCommandKnown_DMsUseOwnScope(t *testing.T) {
	router := newTestRouter(t)
	set := discordgo.ApplicationCommandInteractionData{
		Name: slashCommandKnown,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			subCommand("set", stringOption("description", "just me")),
		},
	}

	reply := router.handleCommand(
		context.Background(),
		commandInteraction("", &discordgo.User{ID: "u1"}, set),
	)
	assert.Equal(t, "Description saved for <@u1>.", reply)

	record, err := router.store.Load(DMScope("u1"))
	require.NoError(t, err)
	assert.Equal(t, "just me", record.Users["u1"].Description)
}

type fakeResponder struct {
	interactions []*discordgo.Interaction
	responses    []*discordgo.InteractionResponse
}

func (f *fakeResponder) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.interactions = append(f.interactions, interaction)
	f.responses = append(f.responses, resp)
	return nil
}

func TestHandlerInteractionCreate(t *testing.T) {
	router := newTestRouter(t)
	responder := &fakeResponder{}
	handler := router.handlerInteractionCreate(responder)

	i := commandInteraction(
		"g1",
		&discordgo.User{ID: "u1"},
		discordgo.ApplicationCommandInteractionData{Name: slashCommandModel},
	)
	handler(nil, i)

	require.Len(t, responder.responses, 1)
	resp := responder.responses[0]
	assert.Equal(
		t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Contains(t, resp.Data.Content, "Current model")

	// non-command interactions are ignored
	ping := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing},
	}
	handler(nil, ping)
	assert.Len(t, responder.responses, 1)
}
