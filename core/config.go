package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestration engine.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML file, then environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithConfigFile("llmhive.yaml"),
//	    core.WithMaxRetries(5),
//	)
type Config struct {
	// Backends is the ordered list of enabled backends.
	Backends []BackendConfig `yaml:"backends" json:"backends"`

	// RoutingTable maps logical model ids to (backend, native id).
	RoutingTable map[string]Route `yaml:"routing_table" json:"routing_table"`

	// FallbackChain is the ordered list of backend names tried when the
	// primary backend fails. Each entry is tried at most once.
	FallbackChain []string `yaml:"fallback_chain" json:"fallback_chain"`

	// Router retry envelope
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`

	// Circuit breaker
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`

	// Consensus manager
	MaxDebateRounds    int     `yaml:"max_debate_rounds" json:"max_debate_rounds"`
	ConsensusThreshold float64 `yaml:"consensus_threshold" json:"consensus_threshold"`

	// Refinement loop
	MaxIterations        int     `yaml:"max_iterations" json:"max_iterations"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	MinImprovement       float64 `yaml:"min_improvement" json:"min_improvement"`
	StagnationTolerance  int     `yaml:"stagnation_tolerance" json:"stagnation_tolerance"`

	// Strategies
	DefaultSamples      int     `yaml:"default_samples" json:"default_samples"`
	MaxDepth            int     `yaml:"max_depth" json:"max_depth"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// Cascade
	MinConfidenceToProceed float64 `yaml:"min_confidence_to_proceed" json:"min_confidence_to_proceed"`
	MaxEscalations         int     `yaml:"max_escalations" json:"max_escalations"`

	// Discovery cache (model lists, capabilities). Inference calls are
	// never cached.
	DiscoveryCacheTTL time.Duration `yaml:"discovery_cache_ttl" json:"discovery_cache_ttl"`

	// RedisURL enables the Redis-backed discovery cache when set.
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// BackendConfig describes one enabled backend.
type BackendConfig struct {
	Name           string        `yaml:"name" json:"name"`
	RPMLimit       int           `yaml:"rpm_limit" json:"rpm_limit"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	APIKeyEnv      string        `yaml:"api_key_env" json:"api_key_env"`
	BaseURL        string        `yaml:"base_url" json:"base_url"`
}

// Route resolves a logical model id to a concrete backend call.
type Route struct {
	Backend  string `yaml:"backend" json:"backend"`
	NativeID string `yaml:"native_id" json:"native_id"`
}

// Option configures a Config.
type Option func(*Config) error

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() *Config {
	return &Config{
		RoutingTable:           make(map[string]Route),
		FallbackChain:          []string{"together", "cerebras", "huggingface"},
		MaxRetries:             3,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          60 * time.Second,
		FailureThreshold:       3,
		ResetTimeout:           60 * time.Second,
		HalfOpenMax:            2,
		MaxDebateRounds:        2,
		ConsensusThreshold:     0.75,
		MaxIterations:          3,
		ConvergenceThreshold:   0.90,
		MinImprovement:         0.05,
		StagnationTolerance:    1,
		DefaultSamples:         5,
		MaxDepth:               3,
		ConfidenceThreshold:    0.85,
		MinConfidenceToProceed: 0.70,
		MaxEscalations:         2,
		DiscoveryCacheTTL:      time.Hour,
	}
}

// NewConfig builds a Config from defaults, environment, and options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file over the given config.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrMissingConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err)
	}
	return nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("LLMHIVE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("LLMHIVE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("LLMHIVE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIterations = n
		}
	}
	if v := os.Getenv("LLMHIVE_DEFAULT_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultSamples = n
		}
	}
	if v := os.Getenv("LLMHIVE_CONVERGENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ConvergenceThreshold = f
		}
	}
}

// Validate checks option ranges. Zero-valued durations fall back to defaults
// rather than failing, matching the documented option table.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be >= 1", ErrInvalidConfiguration)
	}
	if c.HalfOpenMax < 1 {
		return fmt.Errorf("%w: half_open_max must be >= 1", ErrInvalidConfiguration)
	}
	if c.ConvergenceThreshold < 0 || c.ConvergenceThreshold > 1 {
		return fmt.Errorf("%w: convergence_threshold must be in [0,1]", ErrInvalidConfiguration)
	}
	if c.MinConfidenceToProceed < 0 || c.MinConfidenceToProceed > 1 {
		return fmt.Errorf("%w: min_confidence_to_proceed must be in [0,1]", ErrInvalidConfiguration)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be >= 1", ErrInvalidConfiguration)
	}
	for name, route := range c.RoutingTable {
		if route.Backend == "" || route.NativeID == "" {
			return fmt.Errorf("%w: routing_table entry %q needs backend and native_id", ErrInvalidConfiguration, name)
		}
	}
	return nil
}

// WithConfigFile loads the named YAML file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadConfigFile(path)
	}
}

// WithBackends sets the enabled backends.
func WithBackends(backends ...BackendConfig) Option {
	return func(c *Config) error {
		c.Backends = backends
		return nil
	}
}

// WithRoute adds a routing table entry.
func WithRoute(logicalID, backend, nativeID string) Option {
	return func(c *Config) error {
		c.RoutingTable[logicalID] = Route{Backend: backend, NativeID: nativeID}
		return nil
	}
}

// WithFallbackChain sets the ordered failover backends.
func WithFallbackChain(backends ...string) Option {
	return func(c *Config) error {
		c.FallbackChain = backends
		return nil
	}
}

// WithMaxRetries sets the per-backend retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		c.MaxRetries = n
		return nil
	}
}

// WithRetryEnvelope sets the exponential backoff bounds.
func WithRetryEnvelope(base, max time.Duration) Option {
	return func(c *Config) error {
		c.RetryBaseDelay = base
		c.RetryMaxDelay = max
		return nil
	}
}

// WithCircuitBreaker sets the circuit breaker parameters.
func WithCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) Option {
	return func(c *Config) error {
		c.FailureThreshold = failureThreshold
		c.ResetTimeout = resetTimeout
		c.HalfOpenMax = halfOpenMax
		return nil
	}
}

// WithRefinement sets the refinement loop budget.
func WithRefinement(maxIterations int, convergenceThreshold, minImprovement float64, stagnationTolerance int) Option {
	return func(c *Config) error {
		c.MaxIterations = maxIterations
		c.ConvergenceThreshold = convergenceThreshold
		c.MinImprovement = minImprovement
		c.StagnationTolerance = stagnationTolerance
		return nil
	}
}

// WithDefaultSamples sets the sample count for self-consistency and best-of-N.
func WithDefaultSamples(n int) Option {
	return func(c *Config) error {
		c.DefaultSamples = n
		return nil
	}
}

// WithRedisURL enables the Redis-backed discovery cache.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}
