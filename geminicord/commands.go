package geminicord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	slashCommandModel  = "model"
	slashCommandPrompt = "prompt"
	slashCommandKnown  = "known"
)

// commandRouter builds the bot's slash commands and handles their
// interactions. All mutations go through the scope store, so a model or
// prompt change is visible to the next message in that scope without a
// restart.
type commandRouter struct {
	store  *ScopeStore
	gate   *PermissionGate
	limits LimitsConfig
	logger *slog.Logger

	defaultModel  string
	defaultPrompt string
}

func newCommandRouter(
	store *ScopeStore,
	gate *PermissionGate,
	limits LimitsConfig,
	defaultModel string,
	defaultPrompt string,
	logger *slog.Logger,
) *commandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &commandRouter{
		store:         store,
		gate:          gate,
		limits:        limits,
		defaultModel:  defaultModel,
		defaultPrompt: defaultPrompt,
		logger:        logger.With(loggerNameKey, "commands"),
	}
}

// commands returns the application commands to register.
func (c *commandRouter) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		c.appCommandModel(),
		c.appCommandPrompt(),
		c.appCommandKnown(),
	}
}

func (c *commandRouter) appCommandModel() *discordgo.ApplicationCommand {
	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice, 0, len(AvailableModels),
	)
	for _, model := range AvailableModels {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  model,
				Value: model,
			},
		)
	}
	return &discordgo.ApplicationCommand{
		Name:        slashCommandModel,
		Type:        discordgo.ChatApplicationCommand,
		Description: "View or switch the model used in this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "model",
				Description: "Model to switch to (admin only)",
				Choices:     choices,
			},
		},
	}
}

func (c *commandRouter) appCommandPrompt() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        slashCommandPrompt,
		Type:        discordgo.ChatApplicationCommand,
		Description: "View or change the system prompt for this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "Show the current system prompt",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set",
				Description: "Set the system prompt (admin only)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "prompt",
						Description: "New system prompt ({date} and {time} are expanded)",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "reset",
				Description: "Reset the system prompt to the default (admin only)",
			},
		},
	}
}

func (c *commandRouter) appCommandKnown() *discordgo.ApplicationCommand {
	maxLength := c.limits.MaxUserDescriptionLength
	return &discordgo.ApplicationCommand{
		Name:        slashCommandKnown,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Manage user descriptions the bot knows about",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set",
				Description: "Set a user description",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "description",
						Description: "How the bot should know this user",
						Required:    true,
						MaxLength:   maxLength,
					},
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "User to describe (admin only, defaults to you)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "View a user description",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "User to look up (defaults to you)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Remove a user description",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "User to clear (admin only, defaults to you)",
					},
				},
			},
		},
	}
}

// interactionResponder is the subset of session operations the router
// needs to answer an interaction. [DiscordSession] satisfies it.
type interactionResponder interface {
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
}

// handlerInteractionCreate returns the gateway handler dispatching slash
// command interactions.
func (c *commandRouter) handlerInteractionCreate(
	responder interactionResponder,
) func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		reply := c.handleCommand(context.Background(), i)
		err := responder.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: reply,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		if err != nil {
			c.logger.Error(
				"error responding to interaction",
				tint.Err(err),
				"command", i.ApplicationCommandData().Name,
			)
		}
	}
}

// handleCommand executes the command and returns the reply text.
func (c *commandRouter) handleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	user := interactionUser(i)
	if user == nil {
		return "Unable to identify you, sorry."
	}
	scope := interactionScope(i, user.ID)

	data := i.ApplicationCommandData()
	var reply string
	var err error
	switch data.Name {
	case slashCommandModel:
		reply, err = c.handleModel(scope, user.ID, data.Options)
	case slashCommandPrompt:
		reply, err = c.handlePrompt(scope, user.ID, data.Options)
	case slashCommandKnown:
		reply, err = c.handleKnown(scope, i, user, data.Options)
	default:
		reply = fmt.Sprintf("Unknown command: %s", data.Name)
	}
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error handling command",
			tint.Err(err),
			"command", data.Name,
			"scope", scope,
			"user_id", user.ID,
		)
		return "Something went wrong, sorry."
	}
	return reply
}

func (c *commandRouter) handleModel(
	scope ScopeKey,
	userID string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opts := optionMap(options)
	selected, ok := opts["model"]
	if !ok {
		record, err := c.store.Load(scope)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Current model: `%s`", record.Model), nil
	}

	if !c.gate.IsAdmin(userID) {
		return "Only admins can switch models.", nil
	}
	model := selected.StringValue()
	if !modelAvailable(model) {
		return fmt.Sprintf("Unknown model: `%s`", model), nil
	}
	_, err := c.store.Mutate(
		scope, func(record *ScopeRecord) error {
			record.Model = model
			return nil
		},
	)
	if err != nil {
		return "", err
	}
	c.logger.Info("model switched", "scope", scope, "model", model, "user_id", userID)
	return fmt.Sprintf("Model switched to `%s`.", model), nil
}

func (c *commandRouter) handlePrompt(
	scope ScopeKey,
	userID string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	if len(options) == 0 {
		return "Missing subcommand.", nil
	}
	sub := options[0]
	switch sub.Name {
	case "view":
		record, err := c.store.Load(scope)
		if err != nil {
			return "", err
		}
		prompt := c.defaultPrompt
		if record.SystemPrompt != nil {
			prompt = *record.SystemPrompt
		}
		if prompt == "" {
			return "No system prompt is set.", nil
		}
		return fmt.Sprintf("Current system prompt:\n```\n%s\n```", prompt), nil
	case "set":
		if !c.gate.IsAdmin(userID) {
			return "Only admins can change the system prompt.", nil
		}
		opts := optionMap(sub.Options)
		promptOpt, ok := opts["prompt"]
		if !ok {
			return "Missing prompt.", nil
		}
		prompt := strings.TrimSpace(promptOpt.StringValue())
		if prompt == "" {
			return "The prompt can't be empty. Use `/prompt reset` to restore the default.", nil
		}
		_, err := c.store.Mutate(
			scope, func(record *ScopeRecord) error {
				record.SystemPrompt = &prompt
				return nil
			},
		)
		if err != nil {
			return "", err
		}
		return "System prompt updated.", nil
	case "reset":
		if !c.gate.IsAdmin(userID) {
			return "Only admins can change the system prompt.", nil
		}
		_, err := c.store.Mutate(
			scope, func(record *ScopeRecord) error {
				record.SystemPrompt = nil
				return nil
			},
		)
		if err != nil {
			return "", err
		}
		return "System prompt reset to the default.", nil
	default:
		return fmt.Sprintf("Unknown subcommand: %s", sub.Name), nil
	}
}

func (c *commandRouter) handleKnown(
	scope ScopeKey,
	i *discordgo.InteractionCreate,
	caller *discordgo.User,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	if len(options) == 0 {
		return "Missing subcommand.", nil
	}
	sub := options[0]
	opts := optionMap(sub.Options)

	target := caller
	if userOpt, ok := opts["user"]; ok {
		targetID, _ := userOpt.Value.(string)
		if targetID != "" && targetID != caller.ID {
			if !c.gate.IsAdmin(caller.ID) {
				return "Only admins can manage other users' descriptions.", nil
			}
			target = resolvedUser(i, targetID)
		}
	}
	if target == nil {
		return "Unknown user.", nil
	}

	switch sub.Name {
	case "set":
		descOpt, ok := opts["description"]
		if !ok {
			return "Missing description.", nil
		}
		description := strings.TrimSpace(descOpt.StringValue())
		if description == "" {
			return "The description can't be empty. Use `/known remove` to clear it.", nil
		}
		description = truncateRunes(description, c.limits.MaxUserDescriptionLength)
		_, err := c.store.Mutate(
			scope, func(record *ScopeRecord) error {
				record.SetDescription(target.ID, userDisplayName(target), description)
				return nil
			},
		)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Description saved for <@%s>.", target.ID), nil
	case "view":
		record, err := c.store.Load(scope)
		if err != nil {
			return "", err
		}
		profile, ok := record.Users[target.ID]
		if !ok || profile.Description == "" {
			return fmt.Sprintf("No description stored for <@%s>.", target.ID), nil
		}
		return fmt.Sprintf("<@%s>: %s", target.ID, profile.Description), nil
	case "remove":
		removed := false
		_, err := c.store.Mutate(
			scope, func(record *ScopeRecord) error {
				removed = record.ClearDescription(target.ID)
				return nil
			},
		)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("No description stored for <@%s>.", target.ID), nil
		}
		return fmt.Sprintf("Description removed for <@%s>.", target.ID), nil
	default:
		return fmt.Sprintf("Unknown subcommand: %s", sub.Name), nil
	}
}

func modelAvailable(model string) bool {
	for _, m := range AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

func optionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options),
	)
	for _, opt := range options {
		m[opt.Name] = opt
	}
	return m
}

// interactionUser returns the invoking user, which discord places on
// Member in guilds and directly on User in DMs.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// interactionScope maps an interaction to its settings scope: the guild,
// or the invoking user's DM record.
func interactionScope(i *discordgo.InteractionCreate, userID string) ScopeKey {
	if i.GuildID != "" {
		return GuildScope(i.GuildID)
	}
	return DMScope(userID)
}

// resolvedUser looks up a user option's full user object from the
// interaction's resolved data.
func resolvedUser(i *discordgo.InteractionCreate, userID string) *discordgo.User {
	resolved := i.ApplicationCommandData().Resolved
	if resolved != nil {
		if user, ok := resolved.Users[userID]; ok {
			return user
		}
	}
	return &discordgo.User{ID: userID}
}

// userDisplayName picks the best display name available on a user.
func userDisplayName(user *discordgo.User) string {
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
