package queryx

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/seasbee/go-validatorx"
	"gopkg.in/yaml.v3"
)

// PoolConfig holds connection pool configuration. Immutable after the pool
// is constructed.
type PoolConfig struct {
	// Pool size bounds
	MaxConnections int `yaml:"max_connections" json:"max_connections" validate:"min:1,max:1000"`
	MinConnections int `yaml:"min_connections" json:"min_connections" validate:"gte:0"`

	// How long Acquire waits for a free connection when the pool is saturated
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// Free connections idle longer than this are eligible for reaping
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// How often the idle reaper runs
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`

	// An in-use connection held past this is considered leaked by a read that
	// never resolved; the reaper forgets it so its eventual release is a no-op.
	// Zero disables leak detection.
	LeaseTimeout time.Duration `yaml:"lease_timeout" json:"lease_timeout"`

	// A connection whose lease races out this many times in a row is discarded
	// on release instead of being reused. Zero disables the check.
	MaxDeadlineMisses int `yaml:"max_deadline_misses" json:"max_deadline_misses" validate:"gte:0"`
}

// DefaultPoolConfig returns a default pool configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections:    10,
		MinConnections:    2,
		AcquireTimeout:    5 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReapInterval:      10 * time.Second,
		LeaseTimeout:      60 * time.Second,
		MaxDeadlineMisses: 3,
	}
}

// HighThroughputPoolConfig returns a pool configuration for heavy concurrent load
func HighThroughputPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections:    50,
		MinConnections:    10,
		AcquireTimeout:    2 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ReapInterval:      30 * time.Second,
		LeaseTimeout:      30 * time.Second,
		MaxDeadlineMisses: 2,
	}
}

// ResourceConstrainedPoolConfig returns a pool configuration for small deployments
func ResourceConstrainedPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections:    3,
		MinConnections:    1,
		AcquireTimeout:    10 * time.Second,
		IdleTimeout:       15 * time.Second,
		ReapInterval:      15 * time.Second,
		LeaseTimeout:      2 * time.Minute,
		MaxDeadlineMisses: 5,
	}
}

// Validate validates the PoolConfig using go-validatorx
func (c *PoolConfig) Validate() *validatorx.ValidationResult {
	return validatorx.ValidateStruct(c)
}

func validatePoolConfig(config *PoolConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}

	if config.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive", ErrInvalidConfig)
	}
	if config.MinConnections < 0 {
		return fmt.Errorf("%w: min connections cannot be negative", ErrInvalidConfig)
	}
	if config.MinConnections > config.MaxConnections {
		return fmt.Errorf("%w: min connections cannot exceed max connections", ErrInvalidConfig)
	}
	if config.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: acquire timeout must be positive", ErrInvalidConfig)
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = 10 * time.Second
	}
	if config.LeaseTimeout < 0 {
		return fmt.Errorf("%w: lease timeout cannot be negative", ErrInvalidConfig)
	}
	if config.MaxDeadlineMisses < 0 {
		return fmt.Errorf("%w: max deadline misses cannot be negative", ErrInvalidConfig)
	}

	return nil
}

// CacheConfig holds query cache configuration
type CacheConfig struct {
	// Maximum number of entries before earliest-expiry eviction kicks in
	MaxEntries int `yaml:"max_entries" json:"max_entries" validate:"min:1,max:100000000"`

	// TTL applied when a write does not specify one
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// How often the background sweep removes expired entries
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Enable hit/miss/expiration statistics
	EnableStats bool `yaml:"enable_stats" json:"enable_stats"`
}

// DefaultCacheConfig returns a default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxEntries:    10000,
		DefaultTTL:    2 * time.Minute,
		SweepInterval: 30 * time.Second,
		EnableStats:   true,
	}
}

// Validate validates the CacheConfig using go-validatorx
func (c *CacheConfig) Validate() *validatorx.ValidationResult {
	return validatorx.ValidateStruct(c)
}

func validateCacheConfig(config *CacheConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}

	if config.MaxEntries <= 0 {
		return fmt.Errorf("%w: max entries must be positive", ErrInvalidConfig)
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 2 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	return nil
}

// OptimizerConfig holds read-through orchestration configuration
type OptimizerConfig struct {
	// Execution deadline for a single read raced against the live operation
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// Execution deadline for a bulk read
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`

	// TTL applied to cached reads when the caller does not specify one
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// Use the cache unless a read opts out
	CacheByDefault bool `yaml:"cache_by_default" json:"cache_by_default"`

	// Longest accepted entity id after canonicalization
	MaxIDLength int `yaml:"max_id_length" json:"max_id_length" validate:"min:1,max:1024"`
}

// DefaultOptimizerConfig returns a default optimizer configuration
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		QueryTimeout:   3 * time.Second,
		BatchTimeout:   10 * time.Second,
		DefaultTTL:     2 * time.Minute,
		CacheByDefault: true,
		MaxIDLength:    64,
	}
}

// Validate validates the OptimizerConfig using go-validatorx
func (c *OptimizerConfig) Validate() *validatorx.ValidationResult {
	return validatorx.ValidateStruct(c)
}

func validateOptimizerConfig(config *OptimizerConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}

	if config.QueryTimeout <= 0 {
		return fmt.Errorf("%w: query timeout must be positive", ErrInvalidConfig)
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Second
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 2 * time.Minute
	}
	if config.MaxIDLength <= 0 {
		config.MaxIDLength = 64
	}

	return nil
}

// MetricsConfig holds per-operation metrics configuration
type MetricsConfig struct {
	// Ring buffer size per operation for percentile estimation
	SampleWindow int `yaml:"sample_window" json:"sample_window" validate:"min:1,max:100000"`

	// A successful operation slower than this emits a warning
	LatencyAlert time.Duration `yaml:"latency_alert" json:"latency_alert"`

	// An operation whose success rate drops below this emits a warning
	SuccessRateFloor float64 `yaml:"success_rate_floor" json:"success_rate_floor" validate:"gte:0,lte:1"`

	// Minimum sample count before success-rate alerts fire
	AlertMinSamples int64 `yaml:"alert_min_samples" json:"alert_min_samples" validate:"gte:0"`
}

// DefaultMetricsConfig returns a default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		SampleWindow:     100,
		LatencyAlert:     1 * time.Second,
		SuccessRateFloor: 0.9,
		AlertMinSamples:  20,
	}
}

// Validate validates the MetricsConfig using go-validatorx
func (c *MetricsConfig) Validate() *validatorx.ValidationResult {
	return validatorx.ValidateStruct(c)
}

func validateMetricsConfig(config *MetricsConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}

	if config.SampleWindow <= 0 {
		config.SampleWindow = 100
	}
	if config.LatencyAlert <= 0 {
		config.LatencyAlert = 1 * time.Second
	}
	if config.SuccessRateFloor < 0 || config.SuccessRateFloor > 1 {
		return fmt.Errorf("%w: success rate floor must be within [0, 1]", ErrInvalidConfig)
	}
	if config.AlertMinSamples <= 0 {
		config.AlertMinSamples = 20
	}

	return nil
}

// Config is the full configuration document for a queryx deployment
type Config struct {
	Pool      *PoolConfig               `yaml:"pool" json:"pool"`
	Cache     *CacheConfig              `yaml:"cache" json:"cache"`
	Optimizer *OptimizerConfig          `yaml:"optimizer" json:"optimizer"`
	Metrics   *MetricsConfig            `yaml:"metrics" json:"metrics"`
	Redis     *RedisClientFactoryConfig `yaml:"redis" json:"redis"`
}

// DefaultConfig returns the full default configuration
func DefaultConfig() *Config {
	return &Config{
		Pool:      DefaultPoolConfig(),
		Cache:     DefaultCacheConfig(),
		Optimizer: DefaultOptimizerConfig(),
		Metrics:   DefaultMetricsConfig(),
		Redis:     DefaultRedisClientFactoryConfig(),
	}
}

// LoadConfig reads a YAML configuration file, backfilling defaults for
// missing sections and validating the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path cannot be empty", ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %s", ErrInvalidConfig, path, err.Error())
	}

	if config.Pool == nil {
		config.Pool = DefaultPoolConfig()
	}
	if config.Cache == nil {
		config.Cache = DefaultCacheConfig()
	}
	if config.Optimizer == nil {
		config.Optimizer = DefaultOptimizerConfig()
	}
	if config.Metrics == nil {
		config.Metrics = DefaultMetricsConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}

	var errs []error
	if err := validatePoolConfig(c.Pool); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := validateCacheConfig(c.Cache); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := validateOptimizerConfig(c.Optimizer); err != nil {
		errs = append(errs, fmt.Errorf("optimizer: %w", err))
	}
	if err := validateMetricsConfig(c.Metrics); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}

	return errors.Join(errs...)
}
