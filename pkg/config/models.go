package config

import (
	"time"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
)

type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Transport TransportConfig        `mapstructure:"transport"`
	Session   SessionConfig          `mapstructure:"session"`
	Dispatch  DispatchConfig         `mapstructure:"dispatch"`
	Gateway   GatewayConfig          `mapstructure:"gateway"`
	Log       LogConfig              `mapstructure:"log"`
	Events    map[string]EventConfig `mapstructure:"events" validate:"dive"`

	// Pipelines is filled by CompilePipelines from Events.
	Pipelines map[string][]pipeline.Step `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string                `mapstructure:"address" validate:"required"`
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout" validate:"gt=0"`
}

type AuthConfig struct {
	// JWTSecret enables the identity middleware on the websocket route.
	JWTSecret string `mapstructure:"jwtSecret" validate:"omitempty,min=16"`
}

type ConnectionLimitConfig struct {
	// MaxPerIP caps concurrent websocket connections per client IP; 0 disables.
	MaxPerIP int `mapstructure:"maxPerIP" validate:"gte=0"`
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout" validate:"gte=0"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout" validate:"gt=0"`
	PingInterval   time.Duration `mapstructure:"pingInterval" validate:"gte=0"`
	AuthTimeout    time.Duration `mapstructure:"authTimeout" validate:"gte=0"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize" validate:"gt=0"`
	OutboundQueue  int           `mapstructure:"outboundQueue" validate:"gt=0"`
	Overflow       string        `mapstructure:"overflow" validate:"oneof=drop_oldest disconnect"`
}

type SessionConfig struct {
	// Policy for a second login of the same user: "keep", "cycle" or "reject".
	Policy string `mapstructure:"policy" validate:"oneof=keep cycle reject"`
}

type DispatchConfig struct {
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	InboxSize      int           `mapstructure:"inboxSize" validate:"gte=1"`
	GatewayTimeout time.Duration `mapstructure:"gatewayTimeout" validate:"gt=0"`
}

type GatewayConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=memory postgres"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Users    []UserSeed     `mapstructure:"users" validate:"dive"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"maxConns" validate:"gte=0"`
	Migrate  bool   `mapstructure:"migrate"`
}

// UserSeed is a directory entry for the in-memory gateway.
type UserSeed struct {
	UserID      string `mapstructure:"userId" validate:"required"`
	Handle      string `mapstructure:"handle" validate:"required"`
	DisplayName string `mapstructure:"displayName"`
	Email       string `mapstructure:"email" validate:"omitempty,email"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type EventConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers" validate:"dive"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name" validate:"required"`
	Params []string `mapstructure:"params"`
}
