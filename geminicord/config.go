//nolint:lll // struct tags can't be split
package geminicord

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "GEMINICORD_ENV_PREFIX"
	DefaultEnvPrefix   = "GEMINICORD"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDataDir = "server_data"

	DefaultModel                = "gemini-2.5-flash"
	DefaultSystemPrompt         = "You are a helpful Discord bot. Today's date is {date} and the current time is {time}."
	DefaultCompletionTimeout    = 5 * time.Minute
	DefaultMaxRequestsPerSecond = 1.0

	DefaultEditInterval  = 2 * time.Second
	DefaultNodeCacheSize = 500
	DefaultFetchTimeout  = 30 * time.Second

	DefaultMaxText                  = 100_000
	DefaultMaxImages                = 5
	DefaultMaxMessages              = 25
	DefaultMaxURLs                  = 3
	DefaultMaxUserDescriptionLength = 500
	DefaultMaxImageBytes            = 8 << 20

	DefaultDiscordStatusMessage = "Powered by Gemini 2.5"
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultGeminiLogLevel       = slog.LevelInfo

	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	// Discord caps plain message content at 2000 characters, and embed
	// descriptions at 4096.
	discordMaxMessageLength = 2000
	discordMaxEmbedLength   = 4096

	// statusMessageMaxLength is Discord's cap on custom status text
	statusMessageMaxLength = 128
)

// AvailableModels lists the Gemini models selectable via /model.
var AvailableModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

// Config is the static startup configuration. It's read-only after
// startup - per-scope settings that can change at runtime (model choice,
// system prompt, user profiles) live in [ScopeRecord].
type Config struct {
	// DataDir is the directory holding per-scope JSON records
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds bot initialization. If it elapses, startup aborts.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown, after
	// which remaining connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Gemini configures the completion API client
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// Limits bounds conversation reconstruction
	Limits LimitsConfig `yaml:"limits" mapstructure:"limits" json:"limits"`

	// Permissions holds allow/block lists and admin IDs
	Permissions PermissionsConfig `yaml:"permissions" mapstructure:"permissions" json:"permissions"`

	// AllowDMs enables responding to direct messages
	AllowDMs bool `yaml:"allow_dms" mapstructure:"allow_dms" json:"allow_dms"`

	// UsePlainResponses streams into plain 2000-character messages instead
	// of 4096-character embeds. Plain responses lose the colored
	// in-progress/done/error state signaling.
	UsePlainResponses bool `yaml:"use_plain_responses" mapstructure:"use_plain_responses" json:"use_plain_responses"`

	// EditInterval is the minimum time between streaming message edits,
	// to respect Discord rate limits
	EditInterval time.Duration `yaml:"edit_interval" mapstructure:"edit_interval" json:"edit_interval" binding:"min=0"`

	// NodeCacheSize caps the message-node cache. Oldest-inserted entries
	// are evicted beyond this.
	NodeCacheSize int `yaml:"node_cache_size" mapstructure:"node_cache_size" json:"node_cache_size" binding:"min=1"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the
	// discord dev portal). Messages authored by this ID are treated as
	// assistant turns.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// ClientID, when set, is used to log an invite URL on startup
	ClientID string `yaml:"client_id" mapstructure:"client_id" json:"client_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// StatusMessage is set as the bot's custom status (128 char max)
	StatusMessage string `yaml:"status_message" mapstructure:"status_message" json:"status_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// GeminiConfig configures Gemini API integration and generation parameters
type GeminiConfig struct {
	// Gemini API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// DefaultModel is used for scopes with no explicit model selection
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model" binding:"required"`

	// DefaultSystemPrompt is used for scopes with no prompt override.
	// Supports {date} and {time} placeholders.
	DefaultSystemPrompt string `yaml:"default_system_prompt" mapstructure:"default_system_prompt" json:"default_system_prompt"`

	// EnableSearchGrounding attaches the Google Search tool to requests
	EnableSearchGrounding bool `yaml:"enable_search_grounding" mapstructure:"enable_search_grounding" json:"enable_search_grounding"`

	// MaxRequestsPerSecond throttles outbound completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// CompletionTimeout bounds a single streamed completion call
	CompletionTimeout time.Duration `yaml:"completion_timeout" mapstructure:"completion_timeout" json:"completion_timeout"`

	// Gemini base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// LimitsConfig bounds conversation reconstruction and image handling.
//
//nolint:lll // can't break tags
type LimitsConfig struct {
	// MaxText caps total text characters across all turns
	MaxText int `yaml:"max_text" mapstructure:"max_text" json:"max_text" binding:"min=1"`

	// MaxImages caps total image payloads across all turns
	MaxImages int `yaml:"max_images" mapstructure:"max_images" json:"max_images" binding:"min=0"`

	// MaxMessages caps the number of turns in a resolved conversation
	MaxMessages int `yaml:"max_messages" mapstructure:"max_messages" json:"max_messages" binding:"min=1"`

	// MaxURLs caps image URLs extracted from message text
	MaxURLs int `yaml:"max_urls" mapstructure:"max_urls" json:"max_urls" binding:"min=0"`

	// MaxUserDescriptionLength caps /known descriptions
	MaxUserDescriptionLength int `yaml:"max_user_description_length" mapstructure:"max_user_description_length" json:"max_user_description_length" binding:"min=1"`

	// MaxImageBytes caps a single downloaded image payload
	MaxImageBytes int `yaml:"max_image_bytes" mapstructure:"max_image_bytes" json:"max_image_bytes" binding:"min=1"`

	// FetchTimeout bounds a single message or image fetch, so cache
	// waiters can't block indefinitely
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" json:"fetch_timeout" binding:"min=1ms"`
}

// PermissionsConfig holds the allow/block lists evaluated by
// [PermissionGate], plus admin user IDs.
type PermissionsConfig struct {
	// AdminIDs may change models/prompts and manage other users'
	// descriptions. Admin status does not bypass channel/user block lists
	// for plain message handling.
	AdminIDs []string `yaml:"admin_ids" mapstructure:"admin_ids" json:"admin_ids"`

	Users    PermissionList `yaml:"users" mapstructure:"users" json:"users"`
	Roles    PermissionList `yaml:"roles" mapstructure:"roles" json:"roles"`
	Channels PermissionList `yaml:"channels" mapstructure:"channels" json:"channels"`
}

// PermissionList is a pair of allow/block ID lists. An empty allow list
// means "no restriction from this list".
type PermissionList struct {
	AllowedIDs []string `yaml:"allowed_ids" mapstructure:"allowed_ids" json:"allowed_ids"`
	BlockedIDs []string `yaml:"blocked_ids" mapstructure:"blocked_ids" json:"blocked_ids"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	geminiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	geminiLogLevel.Set(DefaultGeminiLogLevel)

	return &Config{
		DataDir:           DefaultDataDir,
		LogLevel:          mainLogLevel,
		StartupTimeout:    DefaultStartupTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		AllowDMs:          true,
		UsePlainResponses: false,
		EditInterval:      DefaultEditInterval,
		NodeCacheSize:     DefaultNodeCacheSize,
		Discord: &DiscordConfig{
			StatusMessage:     DefaultDiscordStatusMessage,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Gemini: &GeminiConfig{
			DefaultModel:         DefaultModel,
			DefaultSystemPrompt:  DefaultSystemPrompt,
			MaxRequestsPerSecond: DefaultMaxRequestsPerSecond,
			CompletionTimeout:    DefaultCompletionTimeout,
			LogLevel:             geminiLogLevel,
		},
		Limits: LimitsConfig{
			MaxText:                  DefaultMaxText,
			MaxImages:                DefaultMaxImages,
			MaxMessages:              DefaultMaxMessages,
			MaxURLs:                  DefaultMaxURLs,
			MaxUserDescriptionLength: DefaultMaxUserDescriptionLength,
			MaxImageBytes:            DefaultMaxImageBytes,
			FetchTimeout:             DefaultFetchTimeout,
		},
	}
}
