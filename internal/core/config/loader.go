package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/catalogsync/internal/core/budget"
	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/core/retry"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.AI.Provider == "" {
		c.AI.Provider = "openai"
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://api.openai.com/v1"
	}
	if c.AI.ChatModel == "" {
		c.AI.ChatModel = "gpt-4o-mini"
	}
	if c.AI.EmbeddingModel == "" {
		c.AI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 60 * time.Second
	}

	s := &c.Sync
	if s.Concurrency == 0 {
		s.Concurrency = 5
	}
	if s.BatchSize == 0 {
		s.BatchSize = 10
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = max(s.Concurrency, 20)
	}
	if s.MaxBatchSize == 0 {
		s.MaxBatchSize = max(s.BatchSize, 100)
	}
	if s.LockTTL == 0 {
		s.LockTTL = 2 * time.Minute
	}

	def := retry.DefaultPolicy()
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = def.MaxAttempts
	}
	if s.Retry.InitialDelay == 0 {
		s.Retry.InitialDelay = def.InitialDelay
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = def.MaxDelay
	}
	if s.Retry.Multiplier == 0 {
		s.Retry.Multiplier = def.Multiplier
	}

	for i := range c.Stores {
		if c.Stores[i].Platform == "" {
			c.Stores[i].Platform = domain.PlatformGeneric
		}
		if c.Stores[i].PageSize == 0 {
			c.Stores[i].PageSize = 50
		}
	}
}

// Validate checks if the configuration is valid.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("sync.retry.multiplier must be >= 1, got %v", c.Sync.Retry.Multiplier))
	}
	if c.Sync.Retry.MaxDelay < c.Sync.Retry.InitialDelay {
		errs = append(errs, errors.New("sync.retry.max_delay must be >= initial_delay"))
	}

	seen := make(map[string]struct{}, len(c.Stores))
	for i, st := range c.Stores {
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("stores[%d].id is required", i))
			continue
		}
		if _, dup := seen[st.ID]; dup {
			errs = append(errs, fmt.Errorf("stores[%d]: duplicate id %q", i, st.ID))
		}
		seen[st.ID] = struct{}{}
		switch st.Platform {
		case domain.PlatformShopify, domain.PlatformWooCommerce, domain.PlatformGeneric:
		default:
			errs = append(errs, fmt.Errorf("stores[%d]: unknown platform %q", i, st.Platform))
		}
		if st.BaseURL == "" {
			errs = append(errs, fmt.Errorf("stores[%d].base_url is required", i))
		}
	}

	return errors.Join(errs...)
}

// RetryPolicy converts the retry section into a policy with the default predicate.
func (s SyncConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = s.Retry.MaxAttempts
	p.InitialDelay = s.Retry.InitialDelay
	p.MaxDelay = s.Retry.MaxDelay
	p.Multiplier = s.Retry.Multiplier
	return p
}

// PricingTable merges configured prices over the built-in table.
func (c *AppConfig) PricingTable() budget.PricingTable {
	table := budget.DefaultPricing()
	for provider, models := range c.Pricing {
		if table[provider] == nil {
			table[provider] = make(map[string]budget.Price)
		}
		for model, p := range models {
			table[provider][model] = budget.PerMillion(p.Input, p.CachedInput, p.Output)
		}
	}
	return table
}

// Store returns the store with the given id.
func (c *AppConfig) Store(id string) (StoreConfig, bool) {
	for _, st := range c.Stores {
		if st.ID == id {
			return st, true
		}
	}
	return StoreConfig{}, false
}
