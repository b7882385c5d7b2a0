package geminicord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGemini records completion requests and plays back scripted deltas.
// err fails StreamComplete itself; streamErr is delivered mid-stream
// after the deltas.
type fakeGemini struct {
	mu        sync.Mutex
	requests  []CompletionRequest
	deltas    []string
	streamErr error
	err       error
}

func (f *fakeGemini) StreamComplete(
	_ context.Context,
	req CompletionRequest,
) (*CompletionStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	streamErr := f.streamErr
	deltas := f.deltas
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	stream := newCompletionStream(func() {})
	go func() {
		defer close(stream.ch)
		for _, d := range deltas {
			if !stream.send(streamChunk{delta: d}) {
				return
			}
		}
		if streamErr != nil {
			stream.send(streamChunk{err: streamErr})
		}
	}()
	return stream, nil
}

func (f *fakeGemini) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestBot(t *testing.T, stub *stubSession, gemini CompletionStreamer) *GeminiCord {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = testBotID
	cfg.EditInterval = 10 * time.Millisecond
	cfg.Limits = testLimits()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	discord := &Discord{session: stub, config: cfg.Discord, logger: logger}

	store, err := NewScopeStore(cfg.DataDir, cfg.Gemini.DefaultModel, logger)
	require.NoError(t, err)

	cache := NewNodeCache(
		discord,
		newImageDownloader(nil, cfg.Limits.MaxImageBytes, logger),
		cfg.Limits,
		testBotID,
		cfg.NodeCacheSize,
		logger,
	)
	gate := newPermissionGate(&cfg.Permissions, cfg.AllowDMs, logger)
	return &GeminiCord{
		config:     cfg,
		logger:     logger,
		discord:    discord,
		gemini:     gemini,
		store:      store,
		gate:       gate,
		cache:      cache,
		resolver:   NewConversationResolver(cache, cfg.Limits, logger),
		commands:   newCommandRouter(store, gate, cfg.Limits, cfg.Gemini.DefaultModel, cfg.Gemini.DefaultSystemPrompt, logger),
		signalStop: make(chan struct{}, 1),
	}
}

func triggerMessage(guildID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "t1",
			ChannelID: "chan",
			GuildID:   guildID,
			Content:   fmt.Sprintf("<@%s> hi there", testBotID),
			Author:    &discordgo.User{ID: "u1", Username: "alice"},
			Type:      discordgo.MessageTypeDefault,
		},
	}
}

func TestHandleMessage_StreamsResponse(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{deltas: []string{"Hello ", "there!"}}
	bot := newTestBot(t, stub, gemini)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	// the request carries the cleaned, attributed conversation
	require.Equal(t, 1, gemini.requestCount())
	req := gemini.requests[0]
	assert.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Turns, 1)
	assert.Equal(t, TurnRoleUser, req.Turns[0].Role)
	assert.Equal(t, "alice: hi there", req.Turns[0].Text)

	// one outgoing message, opened in progress and finalized by edit
	require.Len(t, stub.sent, 1)
	assert.Equal(t, "t1", stub.sent[0].Reference.MessageID)
	require.NotEmpty(t, stub.edited)
	final := *stub.edited[len(stub.edited)-1].Embeds
	require.Len(t, final, 1)
	assert.Equal(t, "Hello there!", final[0].Description)
	assert.Equal(t, embedColorDone, final[0].Color)

	// the response is cached as an assistant node chained to the trigger
	node, err := bot.cache.GetOrResolve(
		context.Background(), NodeRef{ChannelID: "chan", MessageID: "sent-1"},
	)
	require.NoError(t, err)
	assert.Equal(t, TurnRoleAssistant, node.Role)
	assert.Equal(t, "Hello there!", node.Text)
	assert.Equal(t, "t1", node.ParentID)

	// the author's profile was recorded in the guild scope
	record, err := bot.store.Load(GuildScope("g1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", record.Users["u1"].DisplayName)
}

func TestHandleMessage_DMs(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{deltas: []string{"hi!"}}
	bot := newTestBot(t, stub, gemini)

	bot.handleMessage(context.Background(), triggerMessage(""))

	require.Equal(t, 1, gemini.requestCount())
	require.Len(t, stub.sent, 1)

	// DM settings live in the user's own scope
	record, err := bot.store.Load(DMScope("u1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", record.Users["u1"].DisplayName)
}

func TestHandleMessage_BlockedUserIsIgnored(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{deltas: []string{"never"}}
	bot := newTestBot(t, stub, gemini)
	bot.gate = newPermissionGate(
		&PermissionsConfig{
			Users: PermissionList{BlockedIDs: []string{"u1"}},
		},
		true,
		bot.logger,
	)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	assert.Equal(t, 0, gemini.requestCount())
	assert.Empty(t, stub.sent)
}

func TestHandleMessage_CompletionFailureNotice(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{err: errors.New("quota exhausted")}
	bot := newTestBot(t, stub, gemini)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	require.Len(t, stub.sent, 1)
	require.Len(t, stub.sent[0].Embeds, 1)
	embed := stub.sent[0].Embeds[0]
	assert.Contains(t, embed.Description, "Something went wrong")
	assert.Equal(t, embedColorError, embed.Color)
}

func TestHandleMessage_StreamFailureBeforeContentNotifiesUser(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{streamErr: errors.New("stream reset")}
	bot := newTestBot(t, stub, gemini)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	// nothing was streamed, so the user gets an error notice instead of
	// silence
	require.Len(t, stub.sent, 1)
	require.Len(t, stub.sent[0].Embeds, 1)
	embed := stub.sent[0].Embeds[0]
	assert.Contains(t, embed.Description, "Something went wrong")
	assert.Equal(t, embedColorError, embed.Color)

	// the notice is not cached as part of the conversation
	_, err := bot.cache.GetOrResolve(
		context.Background(), NodeRef{ChannelID: "chan", MessageID: "sent-1"},
	)
	assert.Error(t, err)
}

func TestHandleMessage_StreamFailureKeepsPartial(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{
		deltas:    []string{"partial answer"},
		streamErr: errors.New("stream reset"),
	}
	bot := newTestBot(t, stub, gemini)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	// the partial message is finalized in the error state, with no extra
	// notice message
	require.Len(t, stub.sent, 1)
	require.NotEmpty(t, stub.edited)
	final := *stub.edited[len(stub.edited)-1].Embeds
	require.Len(t, final, 1)
	assert.Equal(t, "partial answer", final[0].Description)
	assert.Equal(t, embedColorError, final[0].Color)

	// the partial text is still cached as an assistant node
	node, err := bot.cache.GetOrResolve(
		context.Background(), NodeRef{ChannelID: "chan", MessageID: "sent-1"},
	)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", node.Text)
}

func TestHandleMessage_ScopedPromptAndModel(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{deltas: []string{"aye"}}
	bot := newTestBot(t, stub, gemini)

	model := alternateModel(t)
	prompt := "Answer like a pirate."
	_, err := bot.store.Mutate(
		GuildScope("g1"), func(record *ScopeRecord) error {
			record.Model = model
			record.SystemPrompt = &prompt
			return nil
		},
	)
	require.NoError(t, err)

	bot.handleMessage(context.Background(), triggerMessage("g1"))

	require.Equal(t, 1, gemini.requestCount())
	assert.Equal(t, model, gemini.requests[0].Model)
	assert.Contains(t, gemini.requests[0].SystemPrompt, "like a pirate")
}

func TestHandlerMessageCreate_Filters(t *testing.T) {
	stub := &stubSession{}
	gemini := &fakeGemini{}
	bot := newTestBot(t, stub, gemini)
	handler := bot.handlerMessageCreate(context.Background())

	// bot authors are ignored
	fromBot := triggerMessage("g1")
	fromBot.Author.Bot = true
	handler(nil, fromBot)

	// the bot's own messages are ignored
	fromSelf := triggerMessage("g1")
	fromSelf.Author = &discordgo.User{ID: testBotID}
	handler(nil, fromSelf)

	// guild messages that don't mention the bot are ignored
	noMention := triggerMessage("g1")
	noMention.Content = "just chatting"
	handler(nil, noMention)

	bot.messageWG.Wait()
	assert.Equal(t, 0, gemini.requestCount())

	// a mention via the mentions list (not content) still triggers
	mentioned := triggerMessage("g1")
	mentioned.Content = "what do you think?"
	mentioned.Mentions = []*discordgo.User{{ID: testBotID}}
	handler(nil, mentioned)

	bot.messageWG.Wait()
	assert.Equal(t, 1, gemini.requestCount())
}

func TestMentionedIn(t *testing.T) {
	msg := &discordgo.Message{Content: "hello <@42>"}
	assert.True(t, mentionedIn(msg, "42"))

	msg = &discordgo.Message{
		Content:  "hello",
		Mentions: []*discordgo.User{{ID: "42"}},
	}
	assert.True(t, mentionedIn(msg, "42"))

	msg = &discordgo.Message{Content: "hello"}
	assert.False(t, mentionedIn(msg, "42"))
}
