package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// VectorConfig locates the Qdrant service and names the collection family.
// Collections are created per head as "<collection_base>-<head>".
type VectorConfig struct {
	URL            string `yaml:"url"`
	CollectionBase string `yaml:"collection_base"`
	Enabled        bool   `yaml:"enabled"`
}

// EmbeddingsConfig configures the embedding endpoint.
type EmbeddingsConfig struct {
	Host       string `yaml:"host"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	CacheSize  int    `yaml:"cache_size"`
}

// ProviderConfig describes one model endpoint.
type ProviderConfig struct {
	Backend string `yaml:"backend"` // "openai" or "anthropic"
	Host    string `yaml:"host"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// CostPerMTok is the estimated blended cost per million tokens, used
	// only for the router's savings accounting.
	CostPerMTok float64 `yaml:"cost_per_mtok"`
}

// RouterConfig controls tiered model routing.
type RouterConfig struct {
	Enabled        bool           `yaml:"enabled"`
	LogRouting     bool           `yaml:"log_routing"`
	EnableFallback bool           `yaml:"enable_fallback"`
	DefaultTier    string         `yaml:"default_tier"`
	Fast           ProviderConfig `yaml:"fast"`
	Voice          ProviderConfig `yaml:"voice"`
	Thinker        ProviderConfig `yaml:"thinker"`
}

// RecallConfig tunes the context recall pipeline.
type RecallConfig struct {
	RecentCount   int     `yaml:"recent_count"`
	SemanticCount int     `yaml:"semantic_count"`
	HalfLifeHours float64 `yaml:"half_life_hours"`
}

// BudgetConfig bounds context injected into system prompts.
type BudgetConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// SummarizerConfig sets rolling summarization thresholds.
type SummarizerConfig struct {
	RollingThresholdL1 int `yaml:"rolling_threshold_l1"`
	RollingThresholdL2 int `yaml:"rolling_threshold_l2"`
}

// WatcherConfig paces the filesystem change processor.
type WatcherConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	ProcessDelayMS int `yaml:"process_delay_ms"`
	GitCooldownMS  int `yaml:"git_cooldown_ms"`
}

// DecayConfig schedules salience decay.
type DecayConfig struct {
	IntervalMinutes int     `yaml:"interval_minutes"`
	HalfLifeHours   float64 `yaml:"half_life_hours"`
}

// OperationsConfig bounds the orchestrator tool loop.
type OperationsConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	EventBuffer   int `yaml:"event_buffer"`
}

type Config struct {
	LogPath    string           `yaml:"log_path"`
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	Vector     VectorConfig     `yaml:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Router     RouterConfig     `yaml:"router"`
	Recall     RecallConfig     `yaml:"recall"`
	Budget     BudgetConfig     `yaml:"budget"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Decay      DecayConfig      `yaml:"decay"`
	Operations OperationsConfig `yaml:"operations"`
}

// Load reads a YAML config file and applies defaults for anything unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied, for tests and
// in-memory setups.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mira.db"
	}
	if c.Vector.URL == "" {
		c.Vector.URL = "http://localhost:6334"
	}
	if c.Vector.CollectionBase == "" {
		c.Vector.CollectionBase = "mira"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-large"
	}
	if c.Embeddings.Dimensions <= 0 {
		c.Embeddings.Dimensions = 3072
	}
	if c.Embeddings.BatchSize <= 0 {
		c.Embeddings.BatchSize = 32
	}
	if c.Embeddings.CacheSize <= 0 {
		c.Embeddings.CacheSize = 10000
	}
	if c.Router.DefaultTier == "" {
		c.Router.DefaultTier = "voice"
	}
	if c.Recall.RecentCount <= 0 {
		c.Recall.RecentCount = 20
	}
	if c.Recall.SemanticCount <= 0 {
		c.Recall.SemanticCount = 10
	}
	if c.Recall.HalfLifeHours <= 0 {
		c.Recall.HalfLifeHours = 24
	}
	if c.Budget.MaxChars <= 0 {
		c.Budget.MaxChars = 1500
	}
	if c.Summarizer.RollingThresholdL1 <= 0 {
		c.Summarizer.RollingThresholdL1 = 10
	}
	if c.Summarizer.RollingThresholdL2 <= 0 {
		c.Summarizer.RollingThresholdL2 = 100
	}
	if c.Watcher.MaxBatchSize <= 0 {
		c.Watcher.MaxBatchSize = 50
	}
	if c.Watcher.GitCooldownMS <= 0 {
		c.Watcher.GitCooldownMS = 500
	}
	if c.Decay.IntervalMinutes <= 0 {
		c.Decay.IntervalMinutes = 60
	}
	if c.Decay.HalfLifeHours <= 0 {
		c.Decay.HalfLifeHours = 168
	}
	if c.Operations.MaxIterations <= 0 {
		c.Operations.MaxIterations = 10
	}
	if c.Operations.EventBuffer <= 0 {
		c.Operations.EventBuffer = 256
	}
}
