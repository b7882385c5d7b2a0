package geminicord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	geminiTemperature     float32 = 1.0
	geminiTopP            float32 = 0.95
	geminiTopK            float32 = 40
	geminiMaxOutputTokens int32   = 8192
)

// geminiSafetySettings disables Gemini's category blocking; moderation
// is delegated to Discord-side permission lists.
var geminiSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// CompletionRequest is one streamed generation call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Turns        []ConversationTurn

	// Grounding attaches the Google Search tool
	Grounding bool
}

// CompletionStreamer produces a stream of text deltas for a resolved
// conversation. *Gemini is the production implementation; tests use
// fakes.
type CompletionStreamer interface {
	StreamComplete(ctx context.Context, req CompletionRequest) (*CompletionStream, error)
}

// Gemini wraps the google genai client with request throttling and the
// bot's fixed generation parameters.
type Gemini struct {
	config *GeminiConfig
	client *genai.Client
	logger *slog.Logger

	// requestLimiter throttles outbound completion calls
	requestLimiter *rate.Limiter
}

// NewGemini creates the genai client against the Gemini API backend.
func NewGemini(ctx context.Context, config *GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(
		ctx, &genai.ClientConfig{
			APIKey:  config.APIKey,
			Backend: genai.BackendGeminiAPI,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	g := &Gemini{
		config: config,
		client: client,
		logger: logger.With(loggerNameKey, "gemini"),
	}
	if config.MaxRequestsPerSecond > 0 {
		g.requestLimiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1)
	}
	return g, nil
}

// StreamComplete starts a streamed generation and returns a
// CompletionStream yielding text deltas. The call is bounded by the
// configured completion timeout; cancelling ctx (or calling Close)
// releases the underlying stream.
func (g *Gemini) StreamComplete(ctx context.Context, req CompletionRequest) (*CompletionStream, error) {
	if g.requestLimiter != nil {
		if err := g.requestLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("error waiting on rate limiter: %w", err)
		}
	}

	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, turn := range req.Turns {
		role := genai.RoleUser
		if turn.Role == TurnRoleAssistant {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, 1+len(turn.Images))
		if turn.Text != "" {
			parts = append(parts, genai.NewPartFromText(turn.Text))
		}
		for _, img := range turn.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MimeType))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(geminiTemperature),
		TopP:            genai.Ptr(geminiTopP),
		TopK:            genai.Ptr(geminiTopK),
		MaxOutputTokens: geminiMaxOutputTokens,
		SafetySettings:  geminiSafetySettings,
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Grounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	streamCtx, cancel := context.WithTimeout(ctx, g.config.CompletionTimeout)

	stream := newCompletionStream(cancel)
	go func() {
		defer close(stream.ch)
		started := time.Now()
		var chunks int
		for resp, err := range g.client.Models.GenerateContentStream(
			streamCtx, req.Model, contents, cfg,
		) {
			if err != nil {
				stream.send(streamChunk{err: fmt.Errorf("gemini stream error: %w", err)})
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			chunks++
			if !stream.send(streamChunk{delta: text}) {
				return
			}
		}
		g.logger.DebugContext(
			streamCtx,
			"stream complete",
			"model", req.Model,
			"chunks", chunks,
			"elapsed", time.Since(started),
		)
	}()

	return stream, nil
}

type streamChunk struct {
	delta string
	err   error
}

// CompletionStream yields incremental text deltas. Recv returns io.EOF
// when the stream ends normally. Close releases the underlying stream;
// it is safe to call more than once.
type CompletionStream struct {
	ch        chan streamChunk
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newCompletionStream(cancel context.CancelFunc) *CompletionStream {
	return &CompletionStream{
		ch:     make(chan streamChunk),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// send delivers a chunk unless the stream has been closed. It reports
// whether delivery happened.
func (s *CompletionStream) send(c streamChunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-s.done:
		return false
	}
}

// Recv returns the next text delta. It returns io.EOF at the natural
// end of the stream, or the upstream error on failure.
func (s *CompletionStream) Recv() (string, error) {
	chunk, ok := <-s.ch
	if !ok {
		return "", io.EOF
	}
	if chunk.err != nil {
		return "", chunk.err
	}
	return chunk.delta, nil
}

// Close stops consumption and cancels the underlying request.
func (s *CompletionStream) Close() {
	s.closeOnce.Do(
		func() {
			close(s.done)
		},
	)
	s.cancel()
}

// buildSystemPrompt expands the base prompt's {date}/{time} placeholders
// and appends the current server name plus known-user descriptions for
// the conversation's participants.
func buildSystemPrompt(
	base string,
	serverName string,
	record *ScopeRecord,
	userIDs []string,
) string {
	now := time.Now()
	prompt := strings.TrimSpace(
		strings.NewReplacer(
			"{date}", now.Format("January 2 2006"),
			"{time}", now.Format("15:04:05 MST"),
		).Replace(base),
	)

	if serverName != "" {
		prompt += "\n\nCurrent server: " + serverName
	}

	var usersInfo []string
	for _, id := range userIDs {
		profile, ok := record.Users[id]
		if !ok || profile.Description == "" {
			continue
		}
		usersInfo = append(
			usersInfo,
			fmt.Sprintf(
				"- <@%s> (Display: %s): %s",
				id,
				profile.DisplayName,
				profile.Description,
			),
		)
	}
	if len(usersInfo) > 0 {
		prompt += "\n\nKnown users in this conversation:\n" + strings.Join(usersInfo, "\n")
		prompt += "\n\nWhen addressing users, use their display names naturally in conversation."
	}

	return prompt
}
