package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "LICENSEBOT"

type Config struct {
	BotToken    string `envconfig:"BOT_TOKEN"`
	AdminChatID int64  `envconfig:"ADMIN_CHAT_ID" validate:"required_with=BotToken"`

	StoreDriver   string        `envconfig:"STORE_DRIVER" default:"bbolt" validate:"oneof=bbolt postgres"`
	DBPath        string        `envconfig:"DB_PATH" default:"./data/licensebot.db" validate:"required_if=StoreDriver bbolt"`
	DatabaseURL   string        `envconfig:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	DBOpenTimeout time.Duration `envconfig:"DB_OPEN_TIMEOUT" default:"2s" validate:"gt=0s"`
	StoreTimeout  time.Duration `envconfig:"STORE_TIMEOUT" default:"5s" validate:"gt=0s"`

	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080" validate:"required"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`

	ConnectRPS   float64 `envconfig:"CONNECT_RPS" default:"5" validate:"gt=0"`
	ConnectBurst int     `envconfig:"CONNECT_BURST" default:"10" validate:"gte=1"`

	SeedSeller SeedSeller `envconfig:"SEED_SELLER"`
}

// SeedSeller is created on startup when its slug does not exist yet.
type SeedSeller struct {
	Slug     string `envconfig:"SLUG"`
	Username string `envconfig:"USERNAME" validate:"required_with=Slug"`
	Password string `envconfig:"PASSWORD" validate:"required_with=Slug"`
}

func (s SeedSeller) Enabled() bool { return s.Slug != "" }

// Load reads LICENSEBOT_* environment variables and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) BotEnabled() bool { return c.BotToken != "" }
