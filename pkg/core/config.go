package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read.
const (
	EnvBackend = "SQREGISTRY_BACKEND"
	EnvDSN     = "SQREGISTRY_DSN"
)

// Config represents the configuration for the registry store
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Pool    PoolConfig    `yaml:"pool"`
	Graph   GraphConfig   `yaml:"graph"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Search  SearchConfig  `yaml:"search"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects the single active engine.
type BackendConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=sqlite postgres mysql mssql"`
	DSN  string `yaml:"dsn" validate:"required"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxSize         int           `yaml:"max_size" validate:"min=1,max=1024"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
	ValidateTimeout time.Duration `yaml:"validate_timeout" validate:"gt=0"`
	MaxLifetime     time.Duration `yaml:"max_lifetime" validate:"gte=0"`
}

// GraphConfig controls transactions and traversal.
type GraphConfig struct {
	MaxDepth         int           `yaml:"max_depth" validate:"min=1,max=64"`
	StatementTimeout time.Duration `yaml:"statement_timeout" validate:"gt=0"`
	TraversalTimeout time.Duration `yaml:"traversal_timeout" validate:"gt=0"`
	AllowCascade     bool          `yaml:"allow_cascade"`
	StrictEdgeTypes  bool          `yaml:"strict_edge_types"`
	ForceIterative   bool          `yaml:"force_iterative"`
}

// RetryConfig configures retry of transient backend errors.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1,max=20"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter       float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// BreakerConfig configures the circuit breaker around backend transactions.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures" validate:"required_if=Enabled true"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SearchConfig configures the full-text index.
type SearchConfig struct {
	// Path of the on-disk index; empty keeps the index in memory.
	Path          string        `yaml:"path"`
	Async         bool          `yaml:"async"`
	QueueSize     int           `yaml:"queue_size" validate:"min=1"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	ReindexRate   float64       `yaml:"reindex_rate" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Kind: "sqlite",
			DSN:  "registry.db",
		},
		Pool: PoolConfig{
			MaxSize:         8,
			AcquireTimeout:  5 * time.Second,
			ValidateTimeout: time.Second,
			MaxLifetime:     2 * time.Hour,
		},
		Graph: GraphConfig{
			MaxDepth:         8,
			StatementTimeout: 10 * time.Second,
			TraversalTimeout: 30 * time.Second,
			AllowCascade:     true,
		},
		Retry: RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Search: SearchConfig{
			QueueSize:     1024,
			SweepInterval: time.Minute,
			ReindexRate:   0,
			BatchSize:     256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration against its constraints
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return Errorf("config", KindInvalid, "invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return E("config", KindInvalid, err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// interpolateEnv replaces ${VAR} and ${VAR:-default} with environment values.
func interpolateEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envPattern.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// ParseConfig decodes YAML over the defaults, applies env overrides and validates.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(interpolateEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, E("config", KindInvalid, fmt.Errorf("failed to parse config: %w", err))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return ParseConfig(nil)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ParseConfig(nil)
	}
	if err != nil {
		return Config{}, E("config", KindInvalid, fmt.Errorf("failed to read config file: %w", err))
	}
	return ParseConfig(data)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv(EnvDSN); v != "" {
		c.Backend.DSN = v
	}
}
