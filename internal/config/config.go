// Package config loads service configuration with layered sources: built-in
// defaults first, then CLIPRELAY_-prefixed environment variables on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CLIPRELAY_"

const (
	// StorageProfileMemory keeps all state in process. Development and tests.
	StorageProfileMemory = "memory"
	// StorageProfileProduction persists jobs and the idempotency ledger in
	// Postgres so a restart resumes queued work.
	StorageProfileProduction = "production"
)

type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Queue         QueueConfig         `koanf:"queue"`
	Notion        NotionConfig        `koanf:"notion"`
	Observability ObservabilityConfig `koanf:"observability"`
	LogLevel      string              `koanf:"loglevel"`
}

type ServerConfig struct {
	Addr         string `koanf:"addr"`
	MaxBodyBytes int64  `koanf:"maxbodybytes"`
}

type StorageConfig struct {
	Profile string `koanf:"profile"`
	DSN     string `koanf:"dsn"`
}

type QueueConfig struct {
	Concurrency    int           `koanf:"concurrency"`
	MaxAttempts    int           `koanf:"maxattempts"`
	PollInterval   time.Duration `koanf:"pollinterval"`
	BaseRetryDelay time.Duration `koanf:"baseretrydelay"`
	MaxRetryDelay  time.Duration `koanf:"maxretrydelay"`
}

// NotionConfig carries the single-tenant upstream connection. A multi-tenant
// deployment replaces this with an OAuth connection store.
type NotionConfig struct {
	BaseURL     string `koanf:"baseurl"`
	Token       string `koanf:"token"`
	WorkspaceID string `koanf:"workspaceid"`
	UserID      string `koanf:"userid"`
}

type ObservabilityConfig struct {
	Token string `koanf:"token"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Storage: StorageConfig{
			Profile: StorageProfileMemory,
		},
		Queue: QueueConfig{
			Concurrency:    4,
			MaxAttempts:    5,
			PollInterval:   time.Second,
			BaseRetryDelay: time.Second,
			MaxRetryDelay:  5 * time.Minute,
		},
		Notion: NotionConfig{
			BaseURL: "https://api.notion.com",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults overlaid with environment
// variables. CLIPRELAY_SERVER_ADDR maps to server.addr, and so on.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Profile {
	case StorageProfileMemory:
	case StorageProfileProduction:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage profile %q requires storage.dsn", c.Storage.Profile)
		}
	default:
		return fmt.Errorf("unknown storage profile %q", c.Storage.Profile)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.maxattempts must be positive")
	}
	return nil
}
