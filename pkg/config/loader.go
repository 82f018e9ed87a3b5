package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKHUB_SERVER_ADDRESS.
const EnvPrefix = "TASKHUB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.connectionLimit.maxPerIP", 20)
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.authTimeout", "30s")
	v.SetDefault("transport.maxMessageSize", 64*1024)
	v.SetDefault("transport.outboundQueue", 256)
	v.SetDefault("transport.overflow", "drop_oldest")

	v.SetDefault("session.policy", "keep")

	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.inboxSize", 1024)
	v.SetDefault("dispatch.gatewayTimeout", "5s")

	v.SetDefault("gateway.driver", "memory")
	v.SetDefault("gateway.postgres.url", "")
	v.SetDefault("gateway.postgres.maxConns", 10)
	v.SetDefault("gateway.postgres.migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if strings.ContainsAny(fileName, "/\\") || strings.HasSuffix(fileName, ".yaml") || strings.HasSuffix(fileName, ".yml") {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars", slog.String("name", fileName))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.String("gateway", cfg.Gateway.Driver),
		slog.String("sessionPolicy", cfg.Session.Policy),
		slog.Int("events", len(cfg.Events)),
	)
	return &cfg, nil
}

// Validate checks field constraints that viper cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Gateway.Driver == "postgres" && cfg.Gateway.Postgres.URL == "" {
		return errors.New("invalid config: gateway.postgres.url is required for the postgres driver")
	}
	return nil
}
