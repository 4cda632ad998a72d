package config

import (
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
	redisclient "github.com/vietddude/catalogsync/internal/infra/redis"
	"github.com/vietddude/catalogsync/internal/infra/storage/postgres"
	"github.com/vietddude/catalogsync/internal/infra/storage/s3"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Blob     s3.Config          `yaml:"blob"`
	AI       AIConfig           `yaml:"ai"`
	Pricing  PricingConfig      `yaml:"pricing"`
	Sync     SyncConfig         `yaml:"sync"`
	Stores   []StoreConfig      `yaml:"stores"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AIConfig holds settings for the enrichment provider.
type AIConfig struct {
	Provider          string        `yaml:"provider"` // pricing key, e.g. "openai"
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	ChatModel         string        `yaml:"chat_model"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Timeout           time.Duration `yaml:"timeout"`
	WebSearch         bool          `yaml:"web_search"` // ground descriptions with search citations
	Categories        []string      `yaml:"categories"`
}

// ModelPrice is a price row in USD per million tokens.
type ModelPrice struct {
	Input       float64  `yaml:"input"`
	CachedInput *float64 `yaml:"cached_input"`
	Output      float64  `yaml:"output"`
}

// PricingConfig maps provider -> model -> price. Entries override the built-in table.
type PricingConfig map[string]map[string]ModelPrice

// RetryConfig defines the per-stage retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// SyncConfig holds run-level pipeline settings.
type SyncConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"` // ceiling for per-run overrides
	MaxBatchSize   int           `yaml:"max_batch_size"`
	Retry          RetryConfig   `yaml:"retry"`
	RunRetention   time.Duration `yaml:"run_retention"` // 0 = keep forever
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// StoreConfig describes one merchant store and how to reach its platform.
type StoreConfig struct {
	ID                string          `yaml:"id"`
	Platform          domain.Platform `yaml:"platform"`
	BaseURL           string          `yaml:"base_url"`
	Token             string          `yaml:"token"`
	PageSize          int             `yaml:"page_size"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
}
