package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Xelofan/geminicord/geminicord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = geminicord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "geminicord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("data_dir", geminicord.DefaultDataDir)
	viper.SetDefault("log_level", geminicord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", geminicord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", geminicord.DefaultShutdownTimeout)
	viper.SetDefault("allow_dms", true)
	viper.SetDefault("use_plain_responses", false)
	viper.SetDefault("edit_interval", geminicord.DefaultEditInterval)
	viper.SetDefault("node_cache_size", geminicord.DefaultNodeCacheSize)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.client_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.status_message",
		geminicord.DefaultDiscordStatusMessage,
	)
	viper.SetDefault(
		"discord.gateway_intents",
		geminicord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		geminicord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		geminicord.DefaultDiscordgoLogLevel.String(),
	)

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.default_model", geminicord.DefaultModel)
	viper.SetDefault(
		"gemini.default_system_prompt",
		geminicord.DefaultSystemPrompt,
	)
	viper.SetDefault("gemini.enable_search_grounding", false)
	viper.SetDefault(
		"gemini.max_requests_per_second",
		geminicord.DefaultMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"gemini.completion_timeout",
		geminicord.DefaultCompletionTimeout,
	)
	viper.SetDefault(
		"gemini.log_level",
		geminicord.DefaultGeminiLogLevel.String(),
	)

	// Limits
	viper.SetDefault("limits.max_text", geminicord.DefaultMaxText)
	viper.SetDefault("limits.max_images", geminicord.DefaultMaxImages)
	viper.SetDefault("limits.max_messages", geminicord.DefaultMaxMessages)
	viper.SetDefault("limits.max_urls", geminicord.DefaultMaxURLs)
	viper.SetDefault(
		"limits.max_user_description_length",
		geminicord.DefaultMaxUserDescriptionLength,
	)
	viper.SetDefault("limits.max_image_bytes", geminicord.DefaultMaxImageBytes)
	viper.SetDefault("limits.fetch_timeout", geminicord.DefaultFetchTimeout)

	// Permissions
	viper.SetDefault("permissions.admin_ids", []string{})
	viper.SetDefault("permissions.users.allowed_ids", []string{})
	viper.SetDefault("permissions.users.blocked_ids", []string{})
	viper.SetDefault("permissions.roles.allowed_ids", []string{})
	viper.SetDefault("permissions.roles.blocked_ids", []string{})
	viper.SetDefault("permissions.channels.allowed_ids", []string{})
	viper.SetDefault("permissions.channels.blocked_ids", []string{})

	envPrefix := os.Getenv(geminicord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = geminicord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// config.yaml (as written by the init subcommand) is optional;
	// environment variables take precedence over it
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Convert values to correct types
	viper.Set(
		"permissions.admin_ids",
		viper.GetStringSlice("permissions.admin_ids"),
	)
	for _, list := range []string{"users", "roles", "channels"} {
		allowKey := "permissions." + list + ".allowed_ids"
		blockKey := "permissions." + list + ".blocked_ids"
		viper.Set(allowKey, viper.GetStringSlice(allowKey))
		viper.Set(blockKey, viper.GetStringSlice(blockKey))
	}

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"gemini.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
