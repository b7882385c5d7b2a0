package geminicord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// ConversationTurn is one role-tagged unit of the resolved conversation,
// ready for submission to the completion API.
type ConversationTurn struct {
	Role   TurnRole
	Text   string
	Images []ImagePayload
}

// Conversation is the resolver's product: an oldest-first turn sequence
// plus metadata the caller uses to annotate the response.
type Conversation struct {
	Turns []ConversationTurn

	// Truncated is set whenever any configured limit was hit or the
	// chain was cut short by a fetch failure
	Truncated bool

	// Warnings holds user-visible annotations, sorted
	Warnings []string

	// UserIDs contains the distinct (non-bot) participants, for the
	// system prompt's known-users block
	UserIDs []string
}

// ConversationResolver walks a message's reply chain backward through
// the node cache, assembling a bounded conversation.
type ConversationResolver struct {
	cache  *NodeCache
	limits LimitsConfig
	logger *slog.Logger
}

// NewConversationResolver returns a resolver reading through cache.
func NewConversationResolver(
	cache *NodeCache,
	limits LimitsConfig,
	logger *slog.Logger,
) *ConversationResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationResolver{
		cache:  cache,
		limits: limits,
		logger: logger.With(loggerNameKey, "resolver"),
	}
}

// Resolve walks backward from trigger, producing at most MaxMessages
// turns, oldest first. A fetch failure mid-chain truncates the
// conversation at that point rather than failing it - partial context is
// better than none. An error is returned only if the trigger message
// itself cannot be resolved.
func (r *ConversationResolver) Resolve(ctx context.Context, trigger NodeRef) (*Conversation, error) {
	conv := &Conversation{}
	warnings := map[string]struct{}{}
	userIDs := map[string]struct{}{}

	// collected newest-first during the walk, reversed at the end
	var nodes []*MessageNode
	totalImages := 0
	imagesDropped := false

	current := trigger
	for current.MessageID != "" && len(nodes) < r.limits.MaxMessages {
		node, err := r.cache.GetOrResolve(ctx, current)
		if err != nil {
			if len(nodes) == 0 {
				return nil, fmt.Errorf("error resolving trigger message: %w", err)
			}
			r.logger.WarnContext(
				ctx,
				"fetch failed mid-chain, truncating conversation",
				"message_id", current.MessageID,
				"error", err,
			)
			conv.Truncated = true
			warnings[fmt.Sprintf("⚠️ Only using last %d messages", len(nodes))] = struct{}{}
			break
		}
		nodes = append(nodes, node)

		if node.Role == TurnRoleUser && node.AuthorID != "" {
			userIDs[node.AuthorID] = struct{}{}
		}
		if node.HasBadAttachments {
			warnings["⚠️ Unsupported attachments"] = struct{}{}
		}
		if totalImages+len(node.Images) > r.limits.MaxImages {
			imagesDropped = true
		}
		totalImages += len(node.Images)

		if node.ParentFetchFailed {
			conv.Truncated = true
			warnings[fmt.Sprintf("⚠️ Only using last %d messages", len(nodes))] = struct{}{}
			break
		}
		if node.ParentID == "" {
			break
		}
		if len(nodes) == r.limits.MaxMessages {
			conv.Truncated = true
			warnings[fmt.Sprintf("⚠️ Only using last %d messages", len(nodes))] = struct{}{}
			break
		}
		current = NodeRef{
			ChannelID:  node.ParentChannelID,
			MessageID:  node.ParentID,
			Prefetched: node.parentPrefetched,
		}
	}

	// oldest first
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}

	conv.Turns = r.buildTurns(nodes, &imagesDropped)
	if imagesDropped {
		conv.Truncated = true
		warnings[fmt.Sprintf("⚠️ Max %d images", r.limits.MaxImages)] = struct{}{}
	}
	if r.applyTextLimit(conv.Turns) {
		conv.Truncated = true
		warnings[fmt.Sprintf("⚠️ Max %d characters", r.limits.MaxText)] = struct{}{}
	}

	// drop turns left with no content at all
	kept := conv.Turns[:0]
	for _, turn := range conv.Turns {
		if turn.Text != "" || len(turn.Images) > 0 {
			kept = append(kept, turn)
		}
	}
	conv.Turns = kept

	for id := range userIDs {
		conv.UserIDs = append(conv.UserIDs, id)
	}
	sort.Strings(conv.UserIDs)
	for w := range warnings {
		conv.Warnings = append(conv.Warnings, w)
	}
	sort.Strings(conv.Warnings)

	return conv, nil
}

// buildTurns converts nodes (oldest first) into turns, merging implicit
// same-author continuations into a single turn and applying the
// display-name attribution prefix to user turns. The total image count
// is capped at MaxImages, preferring the most recent images: excess
// images are dropped, never whole messages.
func (r *ConversationResolver) buildTurns(nodes []*MessageNode, imagesDropped *bool) []ConversationTurn {
	var turns []ConversationTurn
	var prevAuthorID string
	for i, node := range nodes {
		text := node.Text
		if node.Role == TurnRoleUser && node.AuthorName != "" && text != "" {
			text = fmt.Sprintf("%s: %s", node.AuthorName, text)
		}

		if n := len(turns); n > 0 && i > 0 &&
			turns[n-1].Role == node.Role &&
			node.Role == TurnRoleUser &&
			prevAuthorID == node.AuthorID {
			// burst continuation: merge into the previous turn
			prev := &turns[n-1]
			if text != "" {
				if prev.Text != "" {
					prev.Text += "\n" + node.Text
				} else {
					prev.Text = text
				}
			}
			prev.Images = append(prev.Images, node.Images...)
			prevAuthorID = node.AuthorID
			continue
		}

		prevAuthorID = node.AuthorID
		turns = append(
			turns, ConversationTurn{
				Role:   node.Role,
				Text:   text,
				Images: node.Images,
			},
		)
	}

	// cap images newest-first: walk backward spending the budget, then
	// strip whatever's left on older turns
	budget := r.limits.MaxImages
	for i := len(turns) - 1; i >= 0; i-- {
		if budget <= 0 {
			if len(turns[i].Images) > 0 {
				*imagesDropped = true
				turns[i].Images = nil
			}
			continue
		}
		if len(turns[i].Images) > budget {
			*imagesDropped = true
			turns[i].Images = turns[i].Images[:budget]
		}
		budget -= len(turns[i].Images)
	}
	return turns
}

// applyTextLimit enforces MaxText across all turns, cutting the oldest
// content first: the budget is spent newest-to-oldest, so the most
// recent turn is only truncated if it alone exceeds the limit. Returns
// true if anything was cut.
func (r *ConversationResolver) applyTextLimit(turns []ConversationTurn) bool {
	budget := r.limits.MaxText
	cut := false
	for i := len(turns) - 1; i >= 0; i-- {
		runes := []rune(turns[i].Text)
		if len(runes) <= budget {
			budget -= len(runes)
			continue
		}
		cut = true
		turns[i].Text = truncateRunesHead(turns[i].Text, budget)
		budget = 0
	}
	return cut
}
