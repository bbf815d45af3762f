package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/plugboard/plugboard"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = plugboard.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "plugboard [flags]",
	Short: "Discord prefix-command bot with a plugin dashboard",
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
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

	viper.SetDefault("database", plugboard.DefaultDatabase)
	viper.SetDefault("database_type", plugboard.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		plugboard.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		plugboard.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("timezone", plugboard.DefaultTimezone)
	viper.SetDefault("session_purge_schedule", plugboard.DefaultSessionPurgeSchedule)

	viper.SetDefault("log_level", plugboard.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", plugboard.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", plugboard.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.client_id", "")
	viper.SetDefault("discord.client_secret", "")
	viper.SetDefault("discord.redirect_url", "")
	viper.SetDefault("discord.prefix", plugboard.DefaultDiscordPrefix)
	viper.SetDefault("discord.error_message", plugboard.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.log_level",
		plugboard.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		plugboard.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(plugboard.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.bot_permissions", plugboard.DefaultDiscordBotPermissions)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", plugboard.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.external_url", plugboard.DefaultAPIExternalURL)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", plugboard.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		plugboard.DefaultAPISessionMaxAge,
	)
	viper.SetDefault(
		"api.guild_refresh_interval",
		plugboard.DefaultAPIGuildRefreshInterval,
	)
	viper.SetDefault("api.login_rate_limit", plugboard.DefaultAPILoginRateLimit)
	viper.SetDefault("api.login_rate_burst", plugboard.DefaultAPILoginRateBurst)
	viper.SetDefault("api.read_timeout", plugboard.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		plugboard.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", plugboard.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", plugboard.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", plugboard.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		plugboard.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		plugboard.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		plugboard.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", plugboard.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		plugboard.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(plugboard.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = plugboard.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		// already converted by an earlier run
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
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

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
