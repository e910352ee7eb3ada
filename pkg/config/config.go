// Package config provides the unified configuration for a transfer run.
// A single Config describes the two platform instances, the shared
// reliability settings protecting every remote call, the job polling
// budget, and the resource kinds to move.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for one transfer run.
type Config struct {
	// Source is the instance records are extracted from
	Source Endpoint `yaml:"source" json:"source"`
	// Target is the instance records are applied to
	Target Endpoint `yaml:"target" json:"target"`

	// Reliability settings shared by every remote call
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Poll settings for the bulk job lifecycle
	Poll PollConfig `yaml:"poll" json:"poll"`

	// Observability settings
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// OutputDir is where extraction streams are written as JSONL files
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Resources lists the resource kinds to transfer, in order
	Resources []ResourceConfig `yaml:"resources" json:"resources"`
}

// Endpoint identifies one platform instance.
type Endpoint struct {
	// Endpoint is the instance's admin GraphQL URL
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// AccessToken authenticates requests (use ${ENV} substitution)
	AccessToken string `yaml:"access_token" json:"-"`
	// TokenHeader names the header carrying the token
	TokenHeader string `yaml:"token_header" json:"token_header"`
	// RequestTimeout bounds a single HTTP exchange
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// ReliabilityConfig contains retry and rate limiting settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for retryable failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the per-attempt retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// MaxInFlight caps concurrently admitted remote calls
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`
	// MinCallSpacing enforces a minimum interval between dispatches
	MinCallSpacing time.Duration `yaml:"min_call_spacing" json:"min_call_spacing"`
}

// PollConfig contains bulk job polling settings.
type PollConfig struct {
	// InitialInterval is the first poll delay
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	// MaxInterval caps the growing poll delay
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`
	// GrowthFactor multiplies the interval after every iteration
	GrowthFactor float64 `yaml:"growth_factor" json:"growth_factor"`
	// Timeout is the hard wall-clock budget for reaching a terminal state
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ObservabilityConfig contains logging and metrics settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// EnableMetrics exposes Prometheus metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address for the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// ResourceConfig describes one resource kind to transfer.
type ResourceConfig struct {
	// Kind names the resource kind (e.g. "products", "collections")
	Kind string `yaml:"kind" json:"kind"`
	// Query is the extraction query run as a bulk job on the source
	Query string `yaml:"query" json:"query"`
	// ListQuery is the extraction query run against the target to build the
	// natural-key index; defaults to Query
	ListQuery string `yaml:"list_query" json:"list_query"`
	// CreateMutation creates one record on the target ($input variable)
	CreateMutation string `yaml:"create_mutation" json:"create_mutation"`
	// UpdateMutation updates one record on the target ($id, $input variables)
	UpdateMutation string `yaml:"update_mutation" json:"update_mutation"`
	// KeyField names the stable business field used as the natural key
	KeyField string `yaml:"key_field" json:"key_field"`
	// File overrides the JSONL file path for this kind
	File string `yaml:"file" json:"file"`
	// ForceUpdate overwrites on every key match instead of comparing
	// fingerprints
	ForceUpdate bool `yaml:"force_update" json:"force_update"`
}

// New returns a Config with production-ready defaults. Callers override
// instance endpoints and resources.
func New() *Config {
	return &Config{
		Reliability: ReliabilityConfig{
			RetryAttempts:   5,
			RetryDelay:      500 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			MaxInFlight:     5,
			MinCallSpacing:  100 * time.Millisecond,
		},
		Poll: PollConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			GrowthFactor:    1.5,
			Timeout:         2 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EnableMetrics: false,
			MetricsAddr:   ":9090",
		},
		OutputDir: ".",
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if c.Target.Endpoint == "" {
		return fmt.Errorf("target endpoint is required")
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if c.Reliability.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1")
	}
	if c.Poll.GrowthFactor < 1.0 {
		return fmt.Errorf("poll growth_factor must be at least 1.0")
	}
	if c.Poll.Timeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	seen := make(map[string]bool, len(c.Resources))
	for i, res := range c.Resources {
		if res.Kind == "" {
			return fmt.Errorf("resource %d: kind is required", i)
		}
		if seen[res.Kind] {
			return fmt.Errorf("resource %q declared twice", res.Kind)
		}
		seen[res.Kind] = true
	}
	return nil
}
