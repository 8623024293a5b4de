package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire guard configuration. Every numeric threshold that
// drives a validation decision is exposed here so false-positive/negative
// tradeoffs can be tuned without a code change.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Guard     GuardConfig     `yaml:"guard"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EmbeddingConfig holds settings for the external embedding provider.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

// GuardConfig groups per-stage validation settings.
type GuardConfig struct {
	DisabledStages []string         `yaml:"disabled_stages"`
	Syntactic      SyntacticConfig  `yaml:"syntactic"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit"`
	Semantic       SemanticConfig   `yaml:"semantic"`
	Contextual     ContextualConfig `yaml:"contextual"`
	Historical     HistoricalConfig `yaml:"historical"`
}

// SyntacticConfig holds the cheap structural-check settings.
type SyntacticConfig struct {
	MaxLength          int `yaml:"max_length"`
	MaxPercentEncoding int `yaml:"max_percent_encoding"`
	MinRepeats         int `yaml:"min_repeats"`
	MaxOpenBrackets    int `yaml:"max_open_brackets"`
	MaxBracketSkew     int `yaml:"max_bracket_skew"`
}

// RateLimitConfig holds the per-lead message rate limit enforced by the
// legacy pattern stage. The window is fixed: it starts at the first message
// and resets Window after that message, not per-message.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxMessages int           `yaml:"max_messages"`
}

// SemanticConfig holds embedding-similarity and sub-detector thresholds.
type SemanticConfig struct {
	HighSimilarity   float64 `yaml:"high_similarity"`
	MediumSimilarity float64 `yaml:"medium_similarity"`
	HighRisk         float64 `yaml:"high_risk"`
	MediumRisk       float64 `yaml:"medium_risk"`
	MinBase64Run     int     `yaml:"min_base64_run"`
	MinKeywordHits   int     `yaml:"min_keyword_hits"`
}

// ContextualConfig holds topical-relevance heuristics.
type ContextualConfig struct {
	AbruptChangeMinLength int `yaml:"abrupt_change_min_length"`
	OffTopicAfterMessages int `yaml:"off_topic_after_messages"`
}

// HistoricalConfig holds cross-message behavioral thresholds.
type HistoricalConfig struct {
	PatternWindow       int     `yaml:"pattern_window"`
	RecentIndicators    int     `yaml:"recent_indicators"`
	MinDistinctTypes    int     `yaml:"min_distinct_types"`
	MinOccurrences      int     `yaml:"min_occurrences"`
	MinProfileMessages  int     `yaml:"min_profile_messages"`
	LengthMultiplier    float64 `yaml:"length_multiplier"`
	LowRiskCeiling      float64 `yaml:"low_risk_ceiling"`
	SuddenIndicatorsMin int     `yaml:"sudden_indicators_min"`
}

// MonitorConfig holds monitoring service settings.
type MonitorConfig struct {
	StorePath         string        `yaml:"store_path"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HighEventsPerHour int           `yaml:"high_events_per_hour"`
	CriticalPerHour   int           `yaml:"critical_events_per_hour"`
	ProgressiveEvents int           `yaml:"progressive_events"`
	ProgressiveWindow time.Duration `yaml:"progressive_window"`
	AlertStore        int           `yaml:"alert_store"`
	ThreatLevelWindow time.Duration `yaml:"threat_level_window"`
}

// DefaultConfig returns a Config with sane defaults; zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    10 * time.Second,
			CacheSize:  500000,
		},
		Guard: GuardConfig{
			Syntactic: SyntacticConfig{
				MaxLength:          5000,
				MaxPercentEncoding: 5,
				MinRepeats:         5,
				MaxOpenBrackets:    10,
				MaxBracketSkew:     2,
			},
			RateLimit: RateLimitConfig{
				Window:      time.Minute,
				MaxMessages: 10,
			},
			Semantic: SemanticConfig{
				HighSimilarity:   0.85,
				MediumSimilarity: 0.70,
				HighRisk:         0.70,
				MediumRisk:       0.40,
				MinBase64Run:     20,
				MinKeywordHits:   3,
			},
			Contextual: ContextualConfig{
				AbruptChangeMinLength: 50,
				OffTopicAfterMessages: 5,
			},
			Historical: HistoricalConfig{
				PatternWindow:       50,
				RecentIndicators:    10,
				MinDistinctTypes:    3,
				MinOccurrences:      5,
				MinProfileMessages:  5,
				LengthMultiplier:    3.0,
				LowRiskCeiling:      0.1,
				SuddenIndicatorsMin: 2,
			},
		},
		Monitor: MonitorConfig{
			StorePath:         "./data/guard.db",
			SweepInterval:     time.Minute,
			HighEventsPerHour: 10,
			CriticalPerHour:   5,
			ProgressiveEvents: 3,
			ProgressiveWindow: 24 * time.Hour,
			AlertStore:        10000,
			ThreatLevelWindow: time.Hour,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// The embedding API key can always be supplied via GUARD_EMBEDDING_API_KEY
// so it never has to live in the config file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if envKey := os.Getenv("GUARD_EMBEDDING_API_KEY"); envKey != "" {
		cfg.Embedding.APIKey = envKey
	}
	if envURL := os.Getenv("GUARD_EMBEDDING_BASE_URL"); envURL != "" {
		cfg.Embedding.BaseURL = envURL
	}
	if envURL := os.Getenv("GUARD_NATS_URL"); envURL != "" {
		cfg.Bus.URL = envURL
		cfg.Bus.Embedded = false
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// StageEnabled checks whether a validation stage is enabled. Unknown names
// are enabled so adding a stage never requires a config change.
func (c *Config) StageEnabled(name string) bool {
	for _, disabled := range c.Guard.DisabledStages {
		if strings.EqualFold(disabled, name) {
			return false
		}
	}
	return true
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
