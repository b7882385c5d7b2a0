package geminicord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Embed colors signaling streaming state: orange while in progress,
// dark green once finalized, red on error.
const (
	embedColorInProgress = 0xE67E22
	embedColorDone       = 0x1F8B4C
	embedColorError      = 0xE74C3C
)

// streamingIndicator is appended to in-progress embed content. Plain
// messages never carry it, so the plain length cap stays the full
// Discord maximum.
const streamingIndicator = " ⚪"

// inviteURLFormat logs a ready-to-use bot invite link on startup when a
// client ID is configured.
const inviteURLFormat = "https://discord.com/oauth2/authorize?client_id=%s&permissions=412317273088&scope=bot"

// Discord manages the gateway session: connecting, registering slash
// commands, and the message send/edit operations the response streamer
// drives. It also implements [MessageFetcher] for node resolution.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// guildNames memoizes guild ID to name lookups for the system prompt
	guildNames sync.Map

	removeHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided
// configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config:             config,
		logger:             logger.With(loggerNameKey, "discord"),
		removeHandlerFuncs: []func(){},
	}
	session, err := d.newSession()
	if err != nil {
		return nil, err
	}
	d.session = session
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// Open connects to the gateway and wires the connection lifecycle
// handlers.
func (d *Discord) Open() error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
	)
	return d.session.Open()
}

// Close removes registered handlers and closes the gateway connection.
func (d *Discord) Close() error {
	for _, removeFunc := range d.removeHandlerFuncs {
		removeFunc()
	}
	d.removeHandlerFuncs = []func(){}
	return d.session.Close()
}

// Connected reports whether the gateway connection is currently up.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.StatusMessage != "" {
			status := truncateRunes(d.config.StatusMessage, statusMessageMaxLength)
			if err := d.session.UpdateCustomStatus(status); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
		if d.config.ClientID != "" {
			d.logger.Info(
				"invite URL",
				"url", fmt.Sprintf(inviteURLFormat, d.config.ClientID),
			)
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// AddHandler registers a gateway event handler, retaining the remove
// function for Close.
func (d *Discord) AddHandler(handler any) {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(handler),
	)
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name, "command_id", c.ID)
	}
	return created, nil
}

// Message fetches a single message by channel and message ID.
func (d *Discord) Message(
	ctx context.Context,
	channelID string,
	messageID string,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

// MessagesBefore fetches up to limit messages immediately preceding
// beforeID in the given channel.
func (d *Discord) MessagesBefore(
	ctx context.Context,
	channelID string,
	beforeID string,
	limit int,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, "", "", discordgo.WithContext(ctx),
	)
}

// Channel fetches channel metadata.
func (d *Discord) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, discordgo.WithContext(ctx))
}

// GuildName returns the guild's name, or empty if the lookup fails.
// Results are memoized; a rename shows up after the next restart.
func (d *Discord) GuildName(ctx context.Context, guildID string) string {
	if name, ok := d.guildNames.Load(guildID); ok {
		return name.(string)
	}
	guild, err := d.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.Warn("error fetching guild", tint.Err(err), "guild_id", guildID)
		return ""
	}
	d.guildNames.Store(guildID, guild.Name)
	return guild.Name
}

// newMessageSink returns a sink streaming into channelID. The first
// outgoing message replies to replyTo; continuation messages reply to
// the previous outgoing message, forming a chain. Warnings surface as
// embed fields (plain mode has nowhere to put them).
func (d *Discord) newMessageSink(
	channelID string,
	replyTo *discordgo.MessageReference,
	warnings []string,
	plain bool,
) *discordMessageSink {
	return &discordMessageSink{
		discord:   d,
		channelID: channelID,
		replyTo:   replyTo,
		warnings:  warnings,
		plain:     plain,
	}
}

// discordMessageSink implements [MessageSink] on top of Discord message
// send/edit calls, tracking every message it creates so the caller can
// cache the bot's responses as conversation nodes.
type discordMessageSink struct {
	discord   *Discord
	channelID string
	replyTo   *discordgo.MessageReference
	warnings  []string
	plain     bool

	messages []*discordgo.Message
}

// Messages returns the outgoing messages created so far, in order.
func (m *discordMessageSink) Messages() []*discordgo.Message {
	return m.messages
}

// MaxLength returns the per-message content cap for this sink's mode,
// reserving room for the streaming indicator in embed mode.
func (m *discordMessageSink) MaxLength() int {
	if m.plain {
		return discordMaxMessageLength
	}
	return discordMaxEmbedLength - len([]rune(streamingIndicator))
}

func (m *discordMessageSink) Open(ctx context.Context, content string, state StreamState) error {
	reference := m.replyTo
	if n := len(m.messages); n > 0 {
		reference = m.messages[n-1].Reference()
	}
	send := &discordgo.MessageSend{Reference: reference}
	if m.plain {
		send.Content = content
	} else {
		send.Embeds = []*discordgo.MessageEmbed{m.embed(content, state)}
	}
	msg, err := m.discord.session.ChannelMessageSendComplex(
		m.channelID, send, discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *discordMessageSink) Edit(ctx context.Context, content string, state StreamState) error {
	n := len(m.messages)
	if n == 0 {
		return fmt.Errorf("no message to edit")
	}
	edit := discordgo.NewMessageEdit(m.channelID, m.messages[n-1].ID)
	if m.plain {
		edit.SetContent(content)
	} else {
		edit.SetEmbeds([]*discordgo.MessageEmbed{m.embed(content, state)})
	}
	_, err := m.discord.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error editing message: %w", err)
	}
	return nil
}

func (m *discordMessageSink) embed(content string, state StreamState) *discordgo.MessageEmbed {
	color := embedColorInProgress
	switch state {
	case StreamDone:
		color = embedColorDone
	case StreamError:
		color = embedColorError
	}
	if state == StreamInProgress {
		content += streamingIndicator
	}
	embed := &discordgo.MessageEmbed{
		Description: content,
		Color:       color,
	}
	for _, warning := range m.warnings {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{Name: warning},
		)
	}
	return embed
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages fetches channel history around the given anchors
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// Channel fetches channel metadata
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Guild fetches guild metadata
	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	// ChannelMessageSendComplex sends a message with full control over
	// embeds, references and flags
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		edit *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// BotUser returns the bot's own user, populated after Ready
	BotUser() *discordgo.User
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageEditComplex(edit, options...)
	if err != nil {
		d.logger.Error(
			"error editing message",
			tint.Err(err),
			"channel_id", edit.Channel,
			"message_id", edit.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) BotUser() *discordgo.User {
	if d.session.State == nil {
		return nil
	}
	return d.session.State.User
}
