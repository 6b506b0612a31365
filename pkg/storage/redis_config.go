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

package storage

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrInvalidRedisConfig indicates that the Redis configuration is invalid.
	ErrInvalidRedisConfig = errors.New("invalid redis configuration")

	// ErrInvalidTimeout indicates that a timeout value is invalid.
	ErrInvalidTimeout = errors.New("timeout must not be negative")

	// ErrInvalidPoolSize indicates that the pool size is invalid.
	ErrInvalidPoolSize = errors.New("pool size must not be negative")
)

// RedisMode defines the operation mode of Redis.
type RedisMode string

const (
	// RedisModeStandalone talks to a single Redis server.
	RedisModeStandalone RedisMode = "standalone"

	// RedisModeCluster talks to a Redis cluster.
	RedisModeCluster RedisMode = "cluster"

	// RedisModeSentinel discovers the master through sentinels.
	RedisModeSentinel RedisMode = "sentinel"
)

// RedisConfig holds the configuration for the Redis backend.
type RedisConfig struct {
	// Mode selects standalone, cluster or sentinel. Default: standalone.
	Mode RedisMode `mapstructure:"mode" json:"mode" yaml:"mode"`

	// Addr is the server address for standalone mode ("host:port").
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`

	// Addrs lists seed nodes for cluster mode.
	Addrs []string `mapstructure:"addrs" json:"addrs" yaml:"addrs"`

	// MasterName and SentinelAddrs are required in sentinel mode.
	MasterName    string   `mapstructure:"master_name" json:"master_name" yaml:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs" json:"sentinel_addrs" yaml:"sentinel_addrs"`

	Username string `mapstructure:"username" json:"username" yaml:"username"`
	Password string `mapstructure:"password" json:"-" yaml:"password"`

	// DB is only honoured in standalone and sentinel mode.
	DB int `mapstructure:"db" json:"db" yaml:"db"`

	// KeyPrefix namespaces every key written by opguard. Default: "opguard:".
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" yaml:"key_prefix"`

	// OperationTimeout bounds every storage call made through RedisStorage.
	// Default: 2 seconds.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" json:"operation_timeout" yaml:"operation_timeout"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`

	PoolSize        int           `mapstructure:"pool_size" json:"pool_size" yaml:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" json:"min_idle_conns" yaml:"min_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// MaxRetries is passed to the client for retrying idempotent commands.
	// Default: 1. Set to -1 to disable client retries.
	MaxRetries      int           `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff" json:"min_retry_backoff" yaml:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" json:"max_retry_backoff" yaml:"max_retry_backoff"`

	TLS *RedisTLSConfig `mapstructure:"tls" json:"tls" yaml:"tls"`
}

// RedisTLSConfig holds TLS settings for Redis connections.
type RedisTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CertFile           string `mapstructure:"cert_file" json:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" json:"key_file" yaml:"key_file"`
	CAFile             string `mapstructure:"ca_file" json:"ca_file" yaml:"ca_file"`
	ServerName         string `mapstructure:"server_name" json:"server_name" yaml:"server_name"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	c := &RedisConfig{Addr: "localhost:6379"}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = RedisModeStandalone
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "opguard:"
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 2 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 30 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.MinRetryBackoff == 0 {
		c.MinRetryBackoff = 8 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 256 * time.Millisecond
	}
}

// Validate returns an error when the configuration cannot produce a client.
func (c *RedisConfig) Validate() error {
	if c == nil {
		return ErrInvalidRedisConfig
	}

	switch c.Mode {
	case RedisModeStandalone, "":
		if c.Addr == "" && len(c.Addrs) == 0 {
			return fmt.Errorf("%w: address is required for standalone mode", ErrInvalidRedisConfig)
		}
		if c.DB < 0 {
			return fmt.Errorf("%w: db must be >= 0", ErrInvalidRedisConfig)
		}
	case RedisModeCluster:
		if len(c.Addrs) == 0 && c.Addr == "" {
			return fmt.Errorf("%w: at least one address is required for cluster mode", ErrInvalidRedisConfig)
		}
	case RedisModeSentinel:
		if c.MasterName == "" {
			return fmt.Errorf("%w: master name is required for sentinel mode", ErrInvalidRedisConfig)
		}
		if len(c.SentinelAddrs) == 0 {
			return fmt.Errorf("%w: sentinel addresses are required for sentinel mode", ErrInvalidRedisConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported mode %s", ErrInvalidRedisConfig, c.Mode)
	}

	for name, d := range map[string]time.Duration{
		"operation":         c.OperationTimeout,
		"dial":              c.DialTimeout,
		"read":              c.ReadTimeout,
		"write":             c.WriteTimeout,
		"min retry backoff": c.MinRetryBackoff,
		"max retry backoff": c.MaxRetryBackoff,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidTimeout, name)
		}
	}
	if c.MinRetryBackoff > c.MaxRetryBackoff && c.MaxRetryBackoff > 0 {
		return fmt.Errorf("%w: min retry backoff must be <= max retry backoff", ErrInvalidTimeout)
	}
	if c.PoolSize < 0 || c.MinIdleConns < 0 {
		return ErrInvalidPoolSize
	}

	if c.TLS != nil && c.TLS.Enabled {
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return fmt.Errorf("%w: both cert and key must be provided for mutual TLS", ErrInvalidRedisConfig)
		}
		for _, f := range []string{c.TLS.CertFile, c.TLS.KeyFile, c.TLS.CAFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("%w: tls file %s: %v", ErrInvalidRedisConfig, f, err)
			}
		}
	}
	return nil
}

// BuildTLSConfig creates a tls.Config from the TLS settings, or nil when TLS is off.
func (c *RedisConfig) BuildTLSConfig() (*tls.Config, error) {
	if c.TLS == nil || !c.TLS.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         c.TLS.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.TLS.CAFile != "" {
		caCert, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Redacted returns a copy safe for logging.
func (c RedisConfig) Redacted() RedisConfig {
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	if c.TLS != nil {
		t := *c.TLS
		c.TLS = &t
	}
	return c
}
