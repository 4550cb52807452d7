package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"

	// MaxPreviewLength is the width of chats.last_message.
	MaxPreviewLength = 512
)

type Config struct {
	Addr          string `env:"ADDR,default=:8080"`
	StorageDriver string `env:"STORAGE_DRIVER,default=postgres"`
	DatabaseDSN   string `env:"DB_DSN"`
	BadgerPath    string `env:"BADGER_PATH,default=./data/chat"`
	// ListingCheck validates listings against the local listings table.
	// Disable it when the catalog lives in another service.
	ListingCheck bool `env:"LISTING_CHECK,default=true"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL,default=24h"`

	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL,default=chat-delivery"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	MaxContentLength int `env:"MAX_CONTENT_LENGTH,default=2000"`
	PreviewLength    int `env:"PREVIEW_LENGTH,default=120"`
	DefaultPageSize  int `env:"DEFAULT_PAGE_SIZE,default=50"`
	MaxPageSize      int `env:"MAX_PAGE_SIZE,default=100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads an explicit env file. Variables already set in the process
// environment win.
func LoadFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return errors.New("DB_DSN is not set")
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			return errors.New("BADGER_PATH is not set")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.MaxContentLength <= 0 || c.PreviewLength <= 0 {
		return errors.New("MAX_CONTENT_LENGTH and PREVIEW_LENGTH must be positive")
	}
	if c.PreviewLength > MaxPreviewLength {
		return fmt.Errorf("PREVIEW_LENGTH must be at most %d", MaxPreviewLength)
	}
	if c.DefaultPageSize <= 0 || c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("page sizes are inconsistent: default=%d max=%d", c.DefaultPageSize, c.MaxPageSize)
	}
	return nil
}
