package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Queue     QueueConfig     `json:"queue"`
	Breaker   BreakerConfig   `json:"breaker"`
	Matcher   MatcherConfig   `json:"matcher"`
	Plan      PlanConfig      `json:"plan"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type QueueConfig struct {
	MaxConcurrent  int      `json:"max_concurrent"`
	BackoffBase    Duration `json:"backoff_base"`
	BackoffMax     Duration `json:"backoff_max"`
	DefaultTimeout Duration `json:"default_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	Window           Duration `json:"window"`
	Cooldown         Duration `json:"cooldown"`
}

type MatcherConfig struct {
	Threshold        float64  `json:"threshold"`
	SimilarityWeight float64  `json:"similarity_weight"`
	CacheTTL         Duration `json:"cache_ttl"`
	FallbackEnabled  bool     `json:"fallback_enabled"`
}

type PlanConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MinSuccessQuality   float64 `json:"min_success_quality"`
	MaxResults          int     `json:"max_results"`
}

// Duration unmarshals JSON strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 4
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = Duration(time.Second)
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = Duration(30 * time.Second)
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = Duration(60 * time.Second)
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = Duration(30 * time.Second)
	}
	if c.Matcher.Threshold == 0 {
		c.Matcher.Threshold = 0.7
	}
	if c.Matcher.SimilarityWeight == 0 {
		c.Matcher.SimilarityWeight = 0.7
	}
	if c.Matcher.CacheTTL == 0 {
		c.Matcher.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Plan.SimilarityThreshold == 0 {
		c.Plan.SimilarityThreshold = 0.75
	}
	if c.Plan.MinSuccessQuality == 0 {
		c.Plan.MinSuccessQuality = 0.8
	}
	if c.Plan.MaxResults == 0 {
		c.Plan.MaxResults = 10
	}
}
