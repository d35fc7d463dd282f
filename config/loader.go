// =============================================================================
// AgentHive configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTHIVE").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete AgentHive configuration.
type Config struct {
	// Server holds process-level settings (metrics listener, shutdown).
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Manager configures the task lifecycle manager.
	Manager ManagerConfig `yaml:"manager" env:"MANAGER"`

	// Router configures agent routing.
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Decision configures the workflow search.
	Decision DecisionConfig `yaml:"decision" env:"DECISION"`

	// Incentive configures agent scoring.
	Incentive IncentiveConfig `yaml:"incentive" env:"INCENTIVE"`

	// Evolution configures the policy evolution loop.
	Evolution EvolutionConfig `yaml:"evolution" env:"EVOLUTION"`

	// Knowledge configures retrieval passthrough and caching.
	Knowledge KnowledgeConfig `yaml:"knowledge" env:"KNOWLEDGE"`

	// Store configures the archive backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis connection settings (archive backend and passage cache).
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database connection settings (SQL archive backend).
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log configures zap logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OpenTelemetry SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// Prometheus scrape listener port.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ManagerConfig configures the task lifecycle manager.
type ManagerConfig struct {
	// Retry budget per logical task; a task runs at most MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// Pending queue capacity hint (0 means unbounded).
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// Transition event bus buffer size.
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
	// Timeout applied to each agent execution call.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
}

// RouterConfig configures agent routing.
type RouterConfig struct {
	// Initial exploration rate of the routing policy.
	ExplorationRate float64 `yaml:"exploration_rate" env:"EXPLORATION_RATE"`
	// Deterministic jitter seed; 0 derives a seed from the clock.
	Seed int64 `yaml:"seed" env:"SEED"`
	// Weight used for tags the policy has not learned yet.
	DefaultTagWeight float64 `yaml:"default_tag_weight" env:"DEFAULT_TAG_WEIGHT"`
}

// DecisionConfig configures workflow search.
type DecisionConfig struct {
	// Search iteration budget per episode.
	Budget int `yaml:"budget" env:"BUDGET"`
	// UCB exploration constant.
	ExplorationConstant float64 `yaml:"exploration_constant" env:"EXPLORATION_CONSTANT"`
	// Maximum decomposition width (subgoals per expansion).
	MaxWidth int `yaml:"max_width" env:"MAX_WIDTH"`
	// Timeout applied to each evaluation call.
	EvalTimeout time.Duration `yaml:"eval_timeout" env:"EVAL_TIMEOUT"`
	// Evaluation calls per second (0 disables rate limiting).
	EvalRateLimit float64 `yaml:"eval_rate_limit" env:"EVAL_RATE_LIMIT"`
	// Results with aggregated uncertainty above this are flagged.
	UncertaintyThreshold float64 `yaml:"uncertainty_threshold" env:"UNCERTAINTY_THRESHOLD"`
}

// IncentiveConfig configures agent scoring.
type IncentiveConfig struct {
	// EWMA decay factor.
	Decay float64 `yaml:"decay" env:"DECAY"`
	// Per-agent performance history bound.
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
	// Upper bound of the task complexity factor.
	MaxComplexityFactor float64 `yaml:"max_complexity_factor" env:"MAX_COMPLEXITY_FACTOR"`
	// Deadline window used to judge tightness.
	DeadlineWindow time.Duration `yaml:"deadline_window" env:"DEADLINE_WINDOW"`
}

// EvolutionConfig configures the policy evolution loop.
type EvolutionConfig struct {
	// Cycle after this many completed tasks.
	TaskInterval int `yaml:"task_interval" env:"TASK_INTERVAL"`
	// Cycle after this much time, whichever comes first.
	TimeInterval time.Duration `yaml:"time_interval" env:"TIME_INTERVAL"`
	// Weight smoothing learning rate.
	LearningRate float64 `yaml:"learning_rate" env:"LEARNING_RATE"`
	// Preference weight bounds.
	WeightMin float64 `yaml:"weight_min" env:"WEIGHT_MIN"`
	WeightMax float64 `yaml:"weight_max" env:"WEIGHT_MAX"`
	// Bounds for the search exploration constant.
	ExplorationMin float64 `yaml:"exploration_min" env:"EXPLORATION_MIN"`
	ExplorationMax float64 `yaml:"exploration_max" env:"EXPLORATION_MAX"`
}

// KnowledgeConfig configures retrieval passthrough.
type KnowledgeConfig struct {
	// Timeout applied to each retrieval call.
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout" env:"RETRIEVAL_TIMEOUT"`
	// Default passage count when the caller does not specify one.
	TopK int `yaml:"top_k" env:"TOP_K"`
	// Enable the Redis passage cache.
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	// Cached passage TTL.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// StoreConfig configures the archive backend.
type StoreConfig struct {
	// Backend type: memory, redis, database.
	Type string `yaml:"type" env:"TYPE"`
	// How long archived entries are kept (0 keeps them forever).
	ArchiveTTL time.Duration `yaml:"archive_ttl" env:"ARCHIVE_TTL"`
	// Expired-entry sweep interval.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// Write retry attempts.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig holds SQL database connection settings.
type DatabaseConfig struct {
	// Driver type: postgres, mysql, sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	User   string `yaml:"user" env:"USER"`
	// Password for the database user.
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name, or the file path for sqlite.
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool sizing.
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Include caller information.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Include stack traces on error.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration with a builder interface.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTHIVE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
// A missing file is not an error; defaults stay in effect.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv applies environment variable overrides.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from the environment.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration parses as a duration string
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma-separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Manager.MaxRetries < 0 {
		errs = append(errs, "manager.max_retries must not be negative")
	}

	if c.Decision.Budget <= 0 {
		errs = append(errs, "decision.budget must be positive")
	}
	if c.Decision.MaxWidth < 2 {
		errs = append(errs, "decision.max_width must be at least 2")
	}
	if c.Decision.ExplorationConstant <= 0 {
		errs = append(errs, "decision.exploration_constant must be positive")
	}

	if c.Incentive.Decay <= 0 || c.Incentive.Decay >= 1 {
		errs = append(errs, "incentive.decay must be in (0,1)")
	}
	if c.Incentive.HistorySize <= 0 {
		errs = append(errs, "incentive.history_size must be positive")
	}

	if c.Evolution.LearningRate <= 0 || c.Evolution.LearningRate > 1 {
		errs = append(errs, "evolution.learning_rate must be in (0,1]")
	}
	if c.Evolution.WeightMin > c.Evolution.WeightMax {
		errs = append(errs, "evolution.weight_min must not exceed weight_max")
	}
	if c.Evolution.ExplorationMin > c.Evolution.ExplorationMax {
		errs = append(errs, "evolution.exploration_min must not exceed exploration_max")
	}

	switch c.Store.Type {
	case "memory", "redis", "database":
	default:
		errs = append(errs, "store.type must be one of memory, redis, database")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
