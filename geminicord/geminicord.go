// Package geminicord implements a Discord bot that relays conversations
// to Google's Gemini models and streams the responses back as
// incrementally edited messages.
package geminicord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var defaultLogWriter io.Writer = os.Stdout

// Build metadata, set via ldflags.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// GeminiCord is the top-level bot: it owns the Discord session, the
// Gemini client, the node cache and resolver, and the per-scope
// settings store, and wires the gateway handlers to the response
// pipeline.
type GeminiCord struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord  *Discord
	gemini   CompletionStreamer
	store    *ScopeStore
	gate     *PermissionGate
	cache    *NodeCache
	resolver *ConversationResolver
	commands *commandRouter

	// runMu prevents concurrent runs
	runMu sync.Mutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// ending Run
	signalStop chan struct{}

	// messageWG tracks in-flight message handlers for graceful shutdown
	messageWG sync.WaitGroup

	startedAt time.Time
}

// New assembles a GeminiCord from config. The Gemini client itself is
// created in Run, since its construction takes a context.
func New(config *Config) (*GeminiCord, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	g := &GeminiCord{
		config:     config,
		signalStop: make(chan struct{}, 1),
	}

	g.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	g.logger = slog.New(g.logHandler)
	slog.SetDefault(g.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient
	discordLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	)
	disc, err := newDiscord(config.Discord, discordLogger)
	if err != nil {
		errs = append(errs, err)
	}
	g.discord = disc

	store, err := NewScopeStore(
		config.DataDir, config.Gemini.DefaultModel, g.logger,
	)
	if err != nil {
		errs = append(errs, err)
	}
	g.store = store

	g.gate = newPermissionGate(&config.Permissions, config.AllowDMs, g.logger)

	images := newImageDownloader(
		config.HTTPClient, config.Limits.MaxImageBytes, g.logger,
	)
	g.cache = NewNodeCache(
		g.discord,
		images,
		config.Limits,
		config.Discord.ApplicationID,
		config.NodeCacheSize,
		g.logger,
	)
	g.resolver = NewConversationResolver(g.cache, config.Limits, g.logger)
	g.commands = newCommandRouter(
		g.store,
		g.gate,
		config.Limits,
		config.Gemini.DefaultModel,
		config.Gemini.DefaultSystemPrompt,
		g.logger,
	)

	return g, errors.Join(errs...)
}

// ValidateConfig checks the loaded configuration against its binding
// rules.
func (g *GeminiCord) ValidateConfig() error {
	return structValidator.Struct(g.config)
}

// getLogger returns the context's logger, falling back to the bot's
// own, and ensures the returned context carries it.
func (g *GeminiCord) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = g.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Stop signals a running bot to begin a graceful shutdown.
func (g *GeminiCord) Stop() {
	select {
	case g.signalStop <- struct{}{}:
	default:
	}
}

// Run connects to Discord and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully: the gateway connection closes
// first so no new messages arrive, then in-flight handlers get up to
// the shutdown timeout to finish.
func (g *GeminiCord) Run(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.startedAt = time.Now()
	logger := g.logger

	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", g.config))

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- g.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return g.shutdown(context.WithoutCancel(ctx))
}

// initRun creates the Gemini client, opens the gateway connection, and
// registers slash commands.
func (g *GeminiCord) initRun(startCtx context.Context, runCtx context.Context) error {
	geminiLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     g.config.Gemini.LogLevel,
				AddSource: true,
			},
		),
	)
	gemini, err := NewGemini(startCtx, g.config.Gemini, geminiLogger)
	if err != nil {
		return err
	}
	g.gemini = gemini

	g.discord.AddHandler(g.handlerMessageCreate(runCtx))
	g.discord.AddHandler(g.commands.handlerInteractionCreate(g.discord.session))

	g.logger.InfoContext(startCtx, "connecting to discord")
	if err := g.discord.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	_, err = g.discord.registerCommands(
		g.commands.commands(), discordgo.WithContext(startCtx),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

func (g *GeminiCord) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")
	closeErr := g.discord.Close()

	done := make(chan struct{})
	go func() {
		g.messageWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("all message handlers finished")
	case <-time.After(g.config.ShutdownTimeout):
		g.logger.Warn("shutdown timeout elapsed with handlers still running")
	}
	return closeErr
}

// handlerMessageCreate returns the gateway handler for incoming
// messages. Each message that passes the trigger and permission checks
// is handled in its own goroutine, so one slow completion doesn't stall
// the event loop.
func (g *GeminiCord) handlerMessageCreate(runCtx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if m.Author.ID == g.config.Discord.ApplicationID {
			return
		}

		isDM := m.GuildID == ""
		if !isDM && !mentionedIn(m.Message, g.config.Discord.ApplicationID) {
			return
		}

		g.messageWG.Add(1)
		go func() {
			defer g.messageWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					g.logger.Error(
						"panic handling message",
						"recovered", rc,
						"message_id", m.ID,
						"stack", string(debug.Stack()),
					)
				}
			}()
			g.handleMessage(runCtx, m)
		}()
	}
}

// handleMessage runs the full pipeline for one triggering message:
// permission check, profile upsert, conversation resolution, completion
// streaming, and caching the bot's own responses as nodes.
func (g *GeminiCord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	ctx, logger := g.getLogger(ctx)
	logger = logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)

	isDM := m.GuildID == ""
	req := RequestContext{
		UserID:     m.Author.ID,
		ChannelIDs: []string{m.ChannelID},
		IsDM:       isDM,
	}
	if m.Member != nil {
		req.RoleIDs = m.Member.Roles
	}
	if ch, err := g.cache.channel(ctx, m.ChannelID); err == nil {
		if ch.ParentID != "" {
			req.ChannelIDs = append(req.ChannelIDs, ch.ParentID)
		}
	} else {
		logger.WarnContext(ctx, "error fetching channel for permission check", tint.Err(err))
	}
	if !g.gate.IsAllowed(req) {
		logger.DebugContext(ctx, "message denied by permission lists")
		return
	}

	scope := GuildScope(m.GuildID)
	if isDM {
		scope = DMScope(m.Author.ID)
	}

	record, err := g.store.UpsertProfile(scope, m.Author.ID, displayName(m.Message))
	if err != nil {
		logger.ErrorContext(ctx, "error updating user profile", tint.Err(err))
		record, err = g.store.Load(scope)
		if err != nil {
			logger.ErrorContext(ctx, "error loading scope record", tint.Err(err))
			return
		}
	}

	conv, err := g.resolver.Resolve(
		ctx, NodeRef{
			ChannelID:  m.ChannelID,
			MessageID:  m.ID,
			Prefetched: m.Message,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving conversation", tint.Err(err))
		return
	}
	if len(conv.Turns) == 0 {
		logger.DebugContext(ctx, "nothing to send after resolution")
		return
	}

	basePrompt := g.config.Gemini.DefaultSystemPrompt
	if record.SystemPrompt != nil {
		basePrompt = *record.SystemPrompt
	}
	serverName := ""
	if !isDM {
		serverName = g.discord.GuildName(ctx, m.GuildID)
	}
	systemPrompt := buildSystemPrompt(basePrompt, serverName, record, conv.UserIDs)

	stream, err := g.gemini.StreamComplete(
		ctx, CompletionRequest{
			Model:        record.Model,
			SystemPrompt: systemPrompt,
			Turns:        conv.Turns,
			Grounding:    g.config.Gemini.EnableSearchGrounding,
		},
	)
	sink := g.discord.newMessageSink(
		m.ChannelID,
		m.Reference(),
		conv.Warnings,
		g.config.UsePlainResponses,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error starting completion", tint.Err(err))
		if sendErr := sink.Open(
			ctx, "⚠️ Something went wrong, please try again.", StreamError,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending failure notice", tint.Err(sendErr))
		}
		return
	}

	streamer := NewResponseStreamer(
		sink, g.config.EditInterval, sink.MaxLength(), logger,
	)
	started := time.Now()
	contents, streamErr := streamer.Stream(ctx, stream)
	g.cacheResponses(m, sink.Messages(), contents)
	if streamErr != nil {
		logger.ErrorContext(ctx, "error streaming response", tint.Err(streamErr))
		// a failure before anything was shown would otherwise be
		// invisible to the user
		if len(contents) == 0 && ctx.Err() == nil {
			if sendErr := sink.Open(
				ctx, "⚠️ Something went wrong, please try again.", StreamError,
			); sendErr != nil {
				logger.ErrorContext(
					ctx, "error sending failure notice", tint.Err(sendErr),
				)
			}
		}
		return
	}
	logger.InfoContext(
		ctx,
		"response complete",
		"messages", len(contents),
		"model", record.Model,
		"elapsed", time.Since(started),
	)
}

// cacheResponses stores the bot's outgoing messages as resolved nodes,
// chained back to the triggering message, so follow-up replies resolve
// without refetching.
func (g *GeminiCord) cacheResponses(
	trigger *discordgo.MessageCreate,
	messages []*discordgo.Message,
	contents []string,
) {
	parentID := trigger.ID
	parentChannelID := trigger.ChannelID
	for i, msg := range messages {
		text := ""
		if i < len(contents) {
			text = contents[i]
		}
		g.cache.Put(
			&MessageNode{
				ID:              msg.ID,
				ChannelID:       msg.ChannelID,
				AuthorID:        g.config.Discord.ApplicationID,
				Role:            TurnRoleAssistant,
				Text:            text,
				ParentID:        parentID,
				ParentChannelID: parentChannelID,
			},
		)
		parentID = msg.ID
		parentChannelID = msg.ChannelID
	}
}

// mentionedIn reports whether the given user appears in the message's
// mention list or mention text.
func mentionedIn(msg *discordgo.Message, userID string) bool {
	if slices.ContainsFunc(
		msg.Mentions, func(u *discordgo.User) bool {
			return u != nil && u.ID == userID
		},
	) {
		return true
	}
	return mentionsUser(msg.Content, userID)
}
