package geminicord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/singleflight"
)

// NodeState tracks where a message node is in its lifecycle.
type NodeState int

const (
	NodeStateUnresolved NodeState = iota
	NodeStateResolved
	NodeStateFailed
)

// TurnRole tags a conversation turn as authored by a user or by the bot.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// MessageNode is a cached, resolved representation of one Discord
// message, ready for chain-walking: cleaned text, image payloads, and a
// pointer to the conversational parent.
type MessageNode struct {
	// ID is the Discord message ID (immutable cache key)
	ID        string
	ChannelID string

	AuthorID    string
	AuthorName  string
	Role        TurnRole
	Text        string
	Images      []ImagePayload

	// ParentID/ParentChannelID locate the next hop in the chain walk.
	// Empty ParentID means the node is a conversation root.
	ParentID        string
	ParentChannelID string

	// parentPrefetched holds the parent message when it was already
	// fetched as part of resolving this node (implicit continuations,
	// reply references with a cached referenced message), saving a
	// second lookup.
	parentPrefetched *discordgo.Message

	// HasBadAttachments flags attachments that were dropped as
	// non-image or oversized
	HasBadAttachments bool

	// ParentFetchFailed indicates the parent lookup failed; the chain
	// is truncated here
	ParentFetchFailed bool

	State     NodeState
	FetchedAt time.Time
}

// NodeRef identifies a message to resolve, optionally carrying an
// already-fetched message object (e.g. the triggering event payload).
type NodeRef struct {
	ChannelID  string
	MessageID  string
	Prefetched *discordgo.Message
}

// MessageFetcher is the subset of Discord lookups node resolution needs.
// *Discord satisfies it; tests substitute fakes.
type MessageFetcher interface {
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	MessagesBefore(ctx context.Context, channelID, beforeID string, limit int) ([]*discordgo.Message, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
}

// NodeCache is the bounded message-node cache. Resolution for a given
// message ID is coalesced: concurrent callers for an uncached ID share
// one underlying fetch. Entries are evicted oldest-inserted-first once
// the capacity is exceeded - a node's value is exhausted once its chain
// position has been traversed, so recency tracking isn't worth it.
//
// Failed resolutions are not stored: every waiter on the in-flight call
// observes the error, and a later unrelated request may retry.
type NodeCache struct {
	fetcher   MessageFetcher
	images    *imageDownloader
	limits    LimitsConfig
	botUserID string
	capacity  int
	logger    *slog.Logger

	mu    sync.Mutex
	nodes map[string]*MessageNode
	// insertion order, oldest first
	order []string

	flight singleflight.Group

	// channel metadata memo; channels don't change type mid-run
	chanMu   sync.Mutex
	channels map[string]*discordgo.Channel
}

// NewNodeCache returns a cache bounded at capacity entries.
func NewNodeCache(
	fetcher MessageFetcher,
	images *imageDownloader,
	limits LimitsConfig,
	botUserID string,
	capacity int,
	logger *slog.Logger,
) *NodeCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeCache{
		fetcher:   fetcher,
		images:    images,
		limits:    limits,
		botUserID: botUserID,
		capacity:  capacity,
		logger:    logger.With(loggerNameKey, "node_cache"),
		nodes:     map[string]*MessageNode{},
		channels:  map[string]*discordgo.Channel{},
	}
}

// Len returns the current number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Put stores an already-resolved node (e.g. the bot's own outgoing
// responses, whose content is known without a fetch).
func (c *NodeCache) Put(node *MessageNode) {
	node.State = NodeStateResolved
	if node.FetchedAt.IsZero() {
		node.FetchedAt = time.Now()
	}
	c.store(node)
}

// GetOrResolve returns the resolved node for ref, fetching and resolving
// it on a cache miss. Concurrent calls for the same uncached message ID
// converge on a single fetch. Each fetch is bounded by the configured
// fetch timeout so no waiter blocks indefinitely.
func (c *NodeCache) GetOrResolve(ctx context.Context, ref NodeRef) (*MessageNode, error) {
	c.mu.Lock()
	if node, ok := c.nodes[ref.MessageID]; ok && node.State == NodeStateResolved {
		c.mu.Unlock()
		return node, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(
		ref.MessageID, func() (any, error) {
			// a racing call may have stored the node between the cache
			// check and joining the flight group
			c.mu.Lock()
			if node, ok := c.nodes[ref.MessageID]; ok && node.State == NodeStateResolved {
				c.mu.Unlock()
				return node, nil
			}
			c.mu.Unlock()

			resolveCtx, cancel := context.WithTimeout(ctx, c.limits.FetchTimeout)
			defer cancel()

			node, resolveErr := c.resolve(resolveCtx, ref)
			if resolveErr != nil {
				return nil, resolveErr
			}
			c.store(node)
			return node, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return v.(*MessageNode), nil
}

func (c *NodeCache) store(node *MessageNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nodes[node.ID]; !exists {
		c.order = append(c.order, node.ID)
	}
	c.nodes[node.ID] = node
	for len(c.nodes) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.nodes, oldest)
		c.logger.Debug("evicted node", "message_id", oldest)
	}
}

func (c *NodeCache) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	c.chanMu.Lock()
	if ch, ok := c.channels[channelID]; ok {
		c.chanMu.Unlock()
		return ch, nil
	}
	c.chanMu.Unlock()

	ch, err := c.fetcher.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.chanMu.Lock()
	c.channels[channelID] = ch
	c.chanMu.Unlock()
	return ch, nil
}

// resolve fetches the message (unless prefetched), extracts its text and
// images, and determines the parent hop.
func (c *NodeCache) resolve(ctx context.Context, ref NodeRef) (*MessageNode, error) {
	msg := ref.Prefetched
	if msg == nil {
		var err error
		msg, err = c.fetcher.Message(ctx, ref.ChannelID, ref.MessageID)
		if err != nil {
			return nil, fmt.Errorf("error fetching message %s: %w", ref.MessageID, err)
		}
	}

	node := &MessageNode{
		ID:        msg.ID,
		ChannelID: ref.ChannelID,
		State:     NodeStateResolved,
		FetchedAt: time.Now(),
	}
	if msg.Author != nil {
		node.AuthorID = msg.Author.ID
		node.AuthorName = displayName(msg)
	}
	if node.AuthorID == c.botUserID {
		node.Role = TurnRoleAssistant
	} else {
		node.Role = TurnRoleUser
	}

	// text: content with the leading bot mention removed, plus any embed
	// titles/descriptions (the bot's own streamed responses are embeds)
	parts := []string{}
	cleaned := cleanMessageContent(msg.Content, c.botUserID)
	if cleaned != "" {
		parts = append(parts, cleaned)
	}
	for _, embed := range msg.Embeds {
		embedText := strings.TrimSpace(
			strings.Join(nonEmpty(embed.Title, embed.Description), "\n"),
		)
		if embedText != "" {
			parts = append(parts, embedText)
		}
	}
	node.Text = strings.Join(parts, "\n")

	c.attachImages(ctx, node, msg)

	if err := c.findParent(ctx, node, msg); err != nil {
		// partial context beats none: keep the node, flag the break
		c.logger.Warn(
			"error finding parent message, truncating chain",
			"message_id", msg.ID,
			"error", err,
		)
		node.ParentFetchFailed = true
		node.ParentID = ""
		node.ParentChannelID = ""
	}

	return node, nil
}

func (c *NodeCache) attachImages(ctx context.Context, node *MessageNode, msg *discordgo.Message) {
	goodAttachments := 0
	for _, att := range msg.Attachments {
		if !strings.HasPrefix(att.ContentType, "image") {
			continue
		}
		goodAttachments++
		if len(node.Images) >= c.limits.MaxImages {
			continue
		}
		payload, err := c.images.Download(ctx, att.URL)
		if err != nil || payload == nil {
			if err != nil {
				c.logger.Debug("error downloading attachment", "url", att.URL, "error", err)
			}
			node.HasBadAttachments = true
			continue
		}
		node.Images = append(node.Images, *payload)
	}
	if goodAttachments < len(msg.Attachments) {
		node.HasBadAttachments = true
	}

	if len(node.Images) >= c.limits.MaxImages {
		return
	}
	for _, u := range extractImageURLs(node.Text, c.limits.MaxURLs) {
		if len(node.Images) >= c.limits.MaxImages {
			break
		}
		payload, err := c.images.Download(ctx, u)
		if err != nil || payload == nil {
			continue
		}
		node.Images = append(node.Images, *payload)
	}
}

// findParent determines the next hop in the conversation chain:
//
//  1. implicit continuation: no reply reference, the bot isn't
//     mentioned, and the immediately preceding channel message is from
//     the same author (the bot, in DMs) - natural multi-message bursts
//  2. thread fallback: a public thread message with no reply reference
//     chains to the thread's starter message in the parent channel
//  3. explicit reply reference
//
// No match means the node is a conversation root.
func (c *NodeCache) findParent(ctx context.Context, node *MessageNode, msg *discordgo.Message) error {
	ch, err := c.channel(ctx, node.ChannelID)
	if err != nil {
		return fmt.Errorf("error fetching channel %s: %w", node.ChannelID, err)
	}
	isDM := ch.Type == discordgo.ChannelTypeDM
	isPublicThread := ch.Type == discordgo.ChannelTypeGuildPublicThread

	if msg.MessageReference == nil && !mentionsUser(msg.Content, c.botUserID) {
		prev, prevErr := c.fetcher.MessagesBefore(ctx, node.ChannelID, msg.ID, 1)
		if prevErr != nil {
			return fmt.Errorf("error fetching channel history: %w", prevErr)
		}
		if len(prev) > 0 && prev[0] != nil && prev[0].Author != nil {
			prevMsg := prev[0]
			expectedAuthor := node.AuthorID
			if isDM {
				expectedAuthor = c.botUserID
			}
			validType := prevMsg.Type == discordgo.MessageTypeDefault ||
				prevMsg.Type == discordgo.MessageTypeReply
			if validType && prevMsg.Author.ID == expectedAuthor {
				node.ParentID = prevMsg.ID
				node.ParentChannelID = node.ChannelID
				node.parentPrefetched = prevMsg
				return nil
			}
		}
	}

	if isPublicThread && msg.MessageReference == nil && ch.ParentID != "" {
		parent, parentErr := c.channel(ctx, ch.ParentID)
		if parentErr != nil {
			return fmt.Errorf("error fetching thread parent channel: %w", parentErr)
		}
		if parent.Type == discordgo.ChannelTypeGuildText {
			// a public thread's ID doubles as its starter message ID in
			// the parent channel
			node.ParentID = ch.ID
			node.ParentChannelID = ch.ParentID
			return nil
		}
	}

	if msg.MessageReference != nil && msg.MessageReference.MessageID != "" {
		node.ParentID = msg.MessageReference.MessageID
		node.ParentChannelID = msg.MessageReference.ChannelID
		if node.ParentChannelID == "" {
			node.ParentChannelID = node.ChannelID
		}
		node.parentPrefetched = msg.ReferencedMessage
	}

	return nil
}

// displayName picks the best display name available on a message author.
func displayName(msg *discordgo.Message) string {
	if msg.Member != nil && msg.Member.Nick != "" {
		return msg.Member.Nick
	}
	if msg.Author.GlobalName != "" {
		return msg.Author.GlobalName
	}
	return msg.Author.Username
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
