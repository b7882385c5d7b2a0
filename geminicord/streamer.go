package geminicord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// StreamState is the display state of an outgoing streamed message.
type StreamState int

const (
	StreamInProgress StreamState = iota
	StreamDone
	StreamError
)

// DeltaSource is a lazy, finite, non-restartable sequence of text
// deltas. Recv returns io.EOF at the natural end. [CompletionStream]
// satisfies it.
type DeltaSource interface {
	Recv() (string, error)
	Close()
}

// MessageSink receives the streamer's output. Open starts a new outgoing
// message which subsequent Edit calls target; the streamer opens a
// continuation message whenever content reaches the length limit. The
// sink owns state presentation (colors, streaming indicator); content is
// always the raw accumulated text. *discordMessageSink is the production
// implementation.
type MessageSink interface {
	Open(ctx context.Context, content string, state StreamState) error
	Edit(ctx context.Context, content string, state StreamState) error
}

// ResponseStreamer relays a delta stream into rate-limited Discord
// message edits. At most one edit is issued per edit interval, except
// the final flush on stream completion, which is immediate. Content
// exceeding maxLength closes the current message as final and continues
// in a fresh one.
//
// Invariant: the concatenation of all finalized message contents equals
// the exact concatenation of all received deltas - no character is ever
// dropped or duplicated, regardless of timer phase at completion.
type ResponseStreamer struct {
	sink         MessageSink
	editInterval time.Duration
	maxLength    int
	logger       *slog.Logger
}

// NewResponseStreamer returns a streamer writing to sink.
func NewResponseStreamer(
	sink MessageSink,
	editInterval time.Duration,
	maxLength int,
	logger *slog.Logger,
) *ResponseStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseStreamer{
		sink:         sink,
		editInterval: editInterval,
		maxLength:    maxLength,
		logger:       logger.With(loggerNameKey, "streamer"),
	}
}

// Stream consumes src until completion or failure, returning the
// finalized contents of each outgoing message, in order. On upstream
// failure the partial text already streamed is retained and finalized
// with an error annotation, and the upstream error is returned. If ctx
// is cancelled mid-stream, consumption stops and src is released.
func (s *ResponseStreamer) Stream(ctx context.Context, src DeltaSource) ([]string, error) {
	defer src.Close()

	// recvCh is unbuffered, so the receive goroutine parks on send
	// between deltas. Cancel on return so it exits even when Stream
	// bails out early on an edit failure.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type recvResult struct {
		delta string
		err   error
	}
	recvCh := make(chan recvResult)
	go func() {
		defer close(recvCh)
		for {
			delta, err := src.Recv()
			select {
			case recvCh <- recvResult{delta: delta, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.editInterval)
	defer ticker.Stop()

	var (
		// contents of messages already closed as final
		closed []string
		// content flushed to the currently open message
		current string
		// received but not yet flushed
		pending string
		opened  bool
	)

	// flush is the single authoritative write path: both the ticker and
	// the completion path go through it, so the tail can neither be
	// dropped nor emitted twice.
	flush := func(state StreamState) error {
		for {
			space := s.maxLength - len([]rune(current))
			pendingRunes := []rune(pending)
			if len(pendingRunes) <= space {
				break
			}
			// current message is full: top it off, close it as final,
			// and continue in a new message
			current += string(pendingRunes[:space])
			pending = string(pendingRunes[space:])
			if opened {
				if err := s.sink.Edit(ctx, current, StreamDone); err != nil {
					return err
				}
			} else if err := s.sink.Open(ctx, current, StreamDone); err != nil {
				return err
			}
			closed = append(closed, current)
			current = ""
			opened = false
		}
		current += pending
		pending = ""

		// nothing worth showing yet: don't open a blank message just to
		// annotate it
		if !opened && strings.TrimSpace(current) == "" {
			return nil
		}

		if !opened {
			if err := s.sink.Open(ctx, current, state); err != nil {
				return err
			}
			opened = true
			return nil
		}
		return s.sink.Edit(ctx, current, state)
	}

	finish := func(streamErr error) ([]string, error) {
		if streamErr != nil {
			if flushErr := flush(StreamError); flushErr != nil {
				s.logger.ErrorContext(
					ctx,
					"error flushing partial response",
					"error", flushErr,
				)
			}
			if opened {
				closed = append(closed, current)
			}
			return closed, streamErr
		}
		if err := flush(StreamDone); err != nil {
			return closed, fmt.Errorf("error finalizing response: %w", err)
		}
		if opened {
			closed = append(closed, current)
		}
		return closed, nil
	}

	canEdit := true // gate: one interval-driven edit per tick

	for {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case <-ticker.C:
			canEdit = true
			if pending == "" {
				continue
			}
			if err := flush(StreamInProgress); err != nil {
				return finish(fmt.Errorf("error editing response: %w", err))
			}
			canEdit = false
		case res, ok := <-recvCh:
			if !ok {
				return finish(ctx.Err())
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return finish(nil)
				}
				return finish(res.err)
			}
			pending += res.delta
			// open the first message as soon as there's something to
			// show, rather than waiting out a full interval
			if !opened && canEdit && strings.TrimSpace(pending) != "" {
				if err := flush(StreamInProgress); err != nil {
					return finish(fmt.Errorf("error sending response: %w", err))
				}
				canEdit = false
			}
		}
	}
}
