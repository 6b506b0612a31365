// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config defines the opguard service configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"

	pkgconfig "github.com/innovationmech/opguard/pkg/config"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/storage"
)

// Config is the root configuration of the opguard service.
type Config struct {
	Server      ServerConfig             `mapstructure:"server" yaml:"server"`
	Storage     storage.Config           `mapstructure:"storage" yaml:"storage"`
	Idempotency IdempotencyConfig        `mapstructure:"idempotency" yaml:"idempotency"`
	Saga        SagaConfig               `mapstructure:"saga" yaml:"saga"`
	Cleanup     CleanupConfig            `mapstructure:"cleanup" yaml:"cleanup"`
	Throttle    ThrottleConfig           `mapstructure:"throttle" yaml:"throttle"`
	Logging     LoggingConfig            `mapstructure:"logging" yaml:"logging"`
	Reload      ReloadConfig             `mapstructure:"reload" yaml:"reload"`
	Tracing     TracingConfig            `mapstructure:"tracing" yaml:"tracing"`
	Metrics     metrics.PrometheusConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" validate:"required"`
	Mode            string        `mapstructure:"mode" yaml:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// IdempotencyConfig configures the ledger and the HTTP guard.
type IdempotencyConfig struct {
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	LockTTL        time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl" validate:"gt=0"`
	// InProgressTTL is how long an unfinished claim blocks retries before it
	// is considered abandoned.
	InProgressTTL  time.Duration `mapstructure:"in_progress_ttl" yaml:"in_progress_ttl" validate:"gt=0"`
	HeaderName     string        `mapstructure:"header_name" yaml:"header_name" validate:"required"`
	CacheHitHeader string        `mapstructure:"cache_hit_header" yaml:"cache_hit_header" validate:"required"`
	TenantHeader   string        `mapstructure:"tenant_header" yaml:"tenant_header" validate:"required"`
	DefaultTenant  string        `mapstructure:"default_tenant" yaml:"default_tenant" validate:"required"`
	ExemptPaths    []string      `mapstructure:"exempt_paths" yaml:"exempt_paths"`
	RetryAfter     time.Duration `mapstructure:"retry_after" yaml:"retry_after" validate:"gt=0"`
	MaxKeyLength   int           `mapstructure:"max_key_length" yaml:"max_key_length" validate:"gt=0,lte=4096"`
}

// SagaConfig configures the orchestrator.
type SagaConfig struct {
	Retention         time.Duration `mapstructure:"retention" yaml:"retention" validate:"gt=0"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl" validate:"gte=3s"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" validate:"gte=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"gte=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter" yaml:"backoff_jitter" validate:"gte=0,lte=1"`
}

// CleanupConfig configures the expiry sweep.
type CleanupConfig struct {
	// Enabled runs the sweep inside the server. Disable it when an external
	// scheduler runs `opguard cleanup`.
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval" validate:"required_if=Enabled true"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0,lte=10000"`
	OperationRetention time.Duration `mapstructure:"operation_retention" yaml:"operation_retention" validate:"gt=0"`
}

// ThrottleConfig limits request rate per tenant on the /v1 routes.
type ThrottleConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Rate    float64       `mapstructure:"rate" yaml:"rate" validate:"required_if=Enabled true,gte=0"`
	Burst   int           `mapstructure:"burst" yaml:"burst" validate:"required_if=Enabled true,gte=0"`
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl" validate:"gte=0"`
}

// LoggingConfig configures the global zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// ReloadConfig controls watching the configuration files while serving.
// Only logging.level and the throttle rate and burst take effect without a
// restart.
type ReloadConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gte=0"`
}

// TracingConfig selects the OpenTelemetry exporter. "none" keeps spans
// in-process with a no-op provider.
type TracingConfig struct {
	Exporter    string `mapstructure:"exporter" yaml:"exporter" validate:"oneof=none stdout otlp"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
	// SentryDSN enables reporting compensation failures to Sentry.
	SentryDSN string `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
}

// Defaults returns the default settings as a nested map, the form the
// layered loader takes.
func Defaults() map[string]interface{} {
	redis := storage.DefaultRedisConfig()
	prom := metrics.DefaultPrometheusConfig()
	return map[string]interface{}{
		"server": map[string]interface{}{
			"address":          ":8080",
			"mode":             "release",
			"read_timeout":     15 * time.Second,
			"write_timeout":    30 * time.Second,
			"shutdown_timeout": 10 * time.Second,
		},
		"storage": map[string]interface{}{
			"backend":          string(storage.BackendMemory),
			"connect_attempts": 3,
			"redis": map[string]interface{}{
				"mode":              string(redis.Mode),
				"addr":              redis.Addr,
				"username":          "",
				"password":          "",
				"db":                0,
				"key_prefix":        redis.KeyPrefix,
				"operation_timeout": redis.OperationTimeout,
				"dial_timeout":      redis.DialTimeout,
				"read_timeout":      redis.ReadTimeout,
				"write_timeout":     redis.WriteTimeout,
				"pool_size":         redis.PoolSize,
				"max_retries":       redis.MaxRetries,
			},
		},
		"idempotency": map[string]interface{}{
			"ttl":              24 * time.Hour,
			"lock_ttl":         30 * time.Second,
			"in_progress_ttl":  30 * time.Second,
			"header_name":      "Idempotency-Key",
			"cache_hit_header": "X-Idempotency-Cache-Hit",
			"tenant_header":    "X-Tenant-ID",
			"default_tenant":   "default",
			"exempt_paths":     []string{"/health", "/metrics"},
			"retry_after":      time.Second,
			"max_key_length":   255,
		},
		"saga": map[string]interface{}{
			"retention":          7 * 24 * time.Hour,
			"lock_ttl":           time.Minute,
			"backoff_initial":    100 * time.Millisecond,
			"backoff_max":        5 * time.Second,
			"backoff_multiplier": 2.0,
			"backoff_jitter":     0.2,
		},
		"cleanup": map[string]interface{}{
			"enabled":             true,
			"interval":            5 * time.Minute,
			"batch_size":          100,
			"operation_retention": 24 * time.Hour,
		},
		"throttle": map[string]interface{}{
			"enabled":  true,
			"rate":     100.0,
			"burst":    200,
			"idle_ttl": 10 * time.Minute,
		},
		"logging": map[string]interface{}{
			"level":       "info",
			"development": false,
		},
		"reload": map[string]interface{}{
			"enabled":  true,
			"debounce": 250 * time.Millisecond,
		},
		"tracing": map[string]interface{}{
			"exporter":     "none",
			"service_name": "opguard",
			"endpoint":     "",
			"insecure":     false,
			"sample_ratio": 1.0,
			"sentry_dsn":   "",
		},
		"metrics": map[string]interface{}{
			"enabled":         prom.Enabled,
			"endpoint":        prom.Endpoint,
			"namespace":       prom.Namespace,
			"runtime_metrics": prom.RuntimeMetrics,
		},
	}
}

// Load reads defaults, layered files and OPGUARD_* environment variables,
// then validates the result.
func Load(opts pkgconfig.Options) (*Config, []string, error) {
	cfg, m, err := Open(opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m.LoadedFiles(), nil
}

// Open is Load that also returns the underlying manager, so the caller can
// watch the files and decode again after a reload.
func Open(opts pkgconfig.Options) (*Config, *pkgconfig.Manager, error) {
	m := pkgconfig.NewManager(opts)
	m.SetDefaults(Defaults())
	if err := m.Load(); err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(m)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

// Decode unmarshals and validates the current settings of m.
func Decode(m *pkgconfig.Manager) (*Config, error) {
	var cfg Config
	if err := m.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Storage.Backend == storage.BackendRedis {
		cfg.Storage.Redis.ApplyDefaults()
	}
	if len(cfg.Metrics.DurationBuckets) == 0 {
		cfg.Metrics.DurationBuckets = metrics.DefaultPrometheusConfig().DurationBuckets
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config %s: failed %q constraint", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("invalid config server.address %q: %w", c.Server.Address, err)
	}
	if c.Storage.Backend == storage.BackendRedis {
		if err := c.Storage.Redis.Validate(); err != nil {
			return fmt.Errorf("invalid config storage.redis: %w", err)
		}
	}
	if c.Saga.BackoffMax > 0 && c.Saga.BackoffMax < c.Saga.BackoffInitial {
		return errors.New("invalid config saga: backoff_max is below backoff_initial")
	}
	return nil
}
