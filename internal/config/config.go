// Package config builds the fetcher configuration from defaults, an optional
// YAML file, CATALOG_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/client"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/pagination"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. CATALOG_API_KEY.
const EnvPrefix = "CATALOG"

// Checkpoint backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Keys understood by Load. Flags use the same names with dashes.
const (
	KeyConfigFile        = "config"
	KeyEndpoint          = "endpoint"
	KeyAPIKey            = "api_key"
	KeyUserAgent         = "user_agent"
	KeyOutput            = "output"
	KeyCheckpoint        = "checkpoint"
	KeyCheckpointBackend = "checkpoint_backend"
	KeyRedisAddr         = "redis_addr"
	KeyRedisKey          = "redis_key"
	KeyRedisTTL          = "redis_ttl"
	KeyPageSize          = "page_size"
	KeyWorkers           = "workers"
	KeyMaxAttempts       = "max_attempts"
	KeyBackoffFactor     = "backoff_factor"
	KeyBackoffUnit       = "backoff_unit"
	KeyJitter            = "jitter"
	KeyRetryDelay        = "retry_delay"
	KeyTimeout           = "timeout"
	KeyRequestsPerSecond = "rps"
	KeyBurst             = "burst"
	KeyProgressInterval  = "progress_interval"
	KeyLogLevel          = "log_level"
	KeyLogPretty         = "log_pretty"
	KeyMetricsAddr       = "metrics_addr"
)

// Config is the validated fetcher configuration. It is built once and not
// modified afterwards.
type Config struct {
	Endpoint  string
	APIKey    string
	UserAgent string

	OutputPath        string
	CheckpointPath    string
	CheckpointBackend string
	RedisAddr         string
	RedisKey          string
	RedisTTL          time.Duration

	PageSize         int
	Workers          int
	ProgressInterval int

	MaxAttempts   int
	BackoffFactor float64
	BackoffUnit   time.Duration
	Jitter        time.Duration
	RetryDelay    time.Duration
	Timeout       time.Duration

	RequestsPerSecond float64
	Burst             int

	LogLevel    logging.LogLevel
	LogPretty   bool
	MetricsAddr string
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	retry := client.DefaultRetryPolicy()
	run := pagination.DefaultConfig()

	v.SetDefault(KeyEndpoint, client.DefaultBaseURL)
	v.SetDefault(KeyUserAgent, "tcg-catalog-fetcher/0.1.0")
	v.SetDefault(KeyOutput, "data/cards.json")
	v.SetDefault(KeyCheckpoint, "data/cards_tmp.json")
	v.SetDefault(KeyCheckpointBackend, BackendFile)
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisKey, checkpoint.DefaultRedisKey)
	v.SetDefault(KeyRedisTTL, time.Duration(0))
	v.SetDefault(KeyPageSize, run.PageSize)
	v.SetDefault(KeyWorkers, run.MaxConcurrency)
	v.SetDefault(KeyProgressInterval, run.ProgressInterval)
	v.SetDefault(KeyMaxAttempts, retry.MaxAttempts)
	v.SetDefault(KeyBackoffFactor, retry.BackoffFactor)
	v.SetDefault(KeyBackoffUnit, retry.BackoffUnit)
	v.SetDefault(KeyJitter, retry.Jitter)
	v.SetDefault(KeyRetryDelay, retry.RetryDelay)
	v.SetDefault(KeyTimeout, 30*time.Second)
	v.SetDefault(KeyRequestsPerSecond, 0.0)
	v.SetDefault(KeyBurst, 1)
	v.SetDefault(KeyLogLevel, string(logging.LevelInfo))
	v.SetDefault(KeyLogPretty, false)
	v.SetDefault(KeyMetricsAddr, "")
}

// AddFlags registers the command-line flags for every key on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(flagName(KeyConfigFile), "", "Path to a YAML config file")
	fs.String(flagName(KeyEndpoint), "", "Catalog API endpoint")
	fs.String(flagName(KeyAPIKey), "", "API key sent as X-Api-Key")
	fs.String(flagName(KeyUserAgent), "", "User-Agent header")
	fs.StringP(flagName(KeyOutput), "o", "", "Snapshot output path")
	fs.String(flagName(KeyCheckpoint), "", "Checkpoint file path (file backend)")
	fs.String(flagName(KeyCheckpointBackend), "", "Checkpoint backend: file or redis")
	fs.String(flagName(KeyRedisAddr), "", "Redis address (redis backend)")
	fs.String(flagName(KeyRedisKey), "", "Redis hash key (redis backend)")
	fs.Duration(flagName(KeyRedisTTL), 0, "Expiry of the redis checkpoint, 0 to keep it")
	fs.Int(flagName(KeyPageSize), 0, "Records per page (1-250)")
	fs.IntP(flagName(KeyWorkers), "w", 0, "Maximum concurrent page fetches")
	fs.Int(flagName(KeyProgressInterval), 0, "Log progress every N pages")
	fs.Int(flagName(KeyMaxAttempts), 0, "Attempts per request including the first")
	fs.Float64(flagName(KeyBackoffFactor), 0, "Exponential backoff base for transient errors")
	fs.Duration(flagName(KeyBackoffUnit), 0, "Exponential backoff unit")
	fs.Duration(flagName(KeyJitter), 0, "Upper bound of random backoff jitter")
	fs.Duration(flagName(KeyRetryDelay), 0, "Linear backoff step for network errors")
	fs.Duration(flagName(KeyTimeout), 0, "HTTP request timeout")
	fs.Float64(flagName(KeyRequestsPerSecond), 0, "Client-side request rate limit, 0 for none")
	fs.Int(flagName(KeyBurst), 0, "Rate limiter burst")
	fs.String(flagName(KeyLogLevel), "", "Log level: debug, info, warn, error")
	fs.Bool(flagName(KeyLogPretty), false, "Human-readable console logs")
	fs.String(flagName(KeyMetricsAddr), "", "Serve /metrics and /health on this address")
}

// BindFlags binds every flag registered by AddFlags that was set on the
// command line. Unset flags do not shadow env or file values.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load resolves the configuration held by v and validates it.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	level, err := logging.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Endpoint:          v.GetString(KeyEndpoint),
		APIKey:            v.GetString(KeyAPIKey),
		UserAgent:         v.GetString(KeyUserAgent),
		OutputPath:        v.GetString(KeyOutput),
		CheckpointPath:    v.GetString(KeyCheckpoint),
		CheckpointBackend: strings.ToLower(v.GetString(KeyCheckpointBackend)),
		RedisAddr:         v.GetString(KeyRedisAddr),
		RedisKey:          v.GetString(KeyRedisKey),
		RedisTTL:          v.GetDuration(KeyRedisTTL),
		PageSize:          v.GetInt(KeyPageSize),
		Workers:           v.GetInt(KeyWorkers),
		ProgressInterval:  v.GetInt(KeyProgressInterval),
		MaxAttempts:       v.GetInt(KeyMaxAttempts),
		BackoffFactor:     v.GetFloat64(KeyBackoffFactor),
		BackoffUnit:       v.GetDuration(KeyBackoffUnit),
		Jitter:            v.GetDuration(KeyJitter),
		RetryDelay:        v.GetDuration(KeyRetryDelay),
		Timeout:           v.GetDuration(KeyTimeout),
		RequestsPerSecond: v.GetFloat64(KeyRequestsPerSecond),
		Burst:             v.GetInt(KeyBurst),
		LogLevel:          level,
		LogPretty:         v.GetBool(KeyLogPretty),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if c.PageSize < 1 || c.PageSize > client.MaxPageSize {
		errs = append(errs, fmt.Errorf("page_size must be between 1 and %d (got %d)", client.MaxPageSize, c.PageSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("backoff_factor must be >= 1 (got %v)", c.BackoffFactor))
	}
	if c.BackoffUnit < 0 || c.Jitter < 0 || c.RetryDelay < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}

	switch c.CheckpointBackend {
	case BackendFile:
		if c.CheckpointPath == "" {
			errs = append(errs, errors.New("checkpoint path is required for the file backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint_backend must be %q or %q (got %q)", BackendFile, BackendRedis, c.CheckpointBackend))
	}

	return errors.Join(errs...)
}

// Client returns the HTTP client configuration.
func (c Config) Client() client.Config {
	return client.Config{
		BaseURL:   c.Endpoint,
		APIKey:    c.APIKey,
		UserAgent: c.UserAgent,
		PageSize:  c.PageSize,
		Timeout:   c.Timeout,
		Retry: client.RetryPolicy{
			MaxAttempts:   c.MaxAttempts,
			BackoffFactor: c.BackoffFactor,
			BackoffUnit:   c.BackoffUnit,
			Jitter:        c.Jitter,
			RetryDelay:    c.RetryDelay,
		},
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// Pagination returns the orchestrator configuration.
func (c Config) Pagination() pagination.Config {
	return pagination.Config{
		PageSize:         c.PageSize,
		MaxConcurrency:   c.Workers,
		ProgressInterval: c.ProgressInterval,
	}
}

// Logging returns the logger configuration. Output is left to the caller.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.LogLevel,
		Pretty: c.LogPretty,
	}
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
