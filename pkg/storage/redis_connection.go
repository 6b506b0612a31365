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
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis shared by standalone, cluster and
// failover clients.
type RedisClient interface {
	redis.Cmdable
	Close() error
}

// RedisConnection owns the go-redis client built from a RedisConfig.
type RedisConnection struct {
	config *RedisConfig
	client RedisClient
	closed atomic.Bool
}

// NewRedisConnection validates config and builds the client matching its mode.
// No network traffic happens until the first command.
func NewRedisConnection(config *RedisConfig) (*RedisConnection, error) {
	if config == nil {
		return nil, ErrInvalidRedisConfig
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	tlsConfig, err := config.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	var client RedisClient
	switch config.Mode {
	case RedisModeCluster:
		client = newClusterClient(config, tlsConfig)
	case RedisModeSentinel:
		client = newSentinelClient(config, tlsConfig)
	default:
		client = newStandaloneClient(config, tlsConfig)
	}

	return &RedisConnection{config: config, client: client}, nil
}

// NewRedisConnectionFromClient wraps an existing client, mostly for tests.
func NewRedisConnectionFromClient(client RedisClient, config *RedisConfig) *RedisConnection {
	if config == nil {
		config = &RedisConfig{Addr: "external"}
	}
	config.ApplyDefaults()
	return &RedisConnection{config: config, client: client}
}

func newStandaloneClient(c *RedisConfig, tlsConfig *tls.Config) RedisClient {
	addr := c.Addr
	if addr == "" && len(c.Addrs) > 0 {
		addr = c.Addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Username:        c.Username,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		MaxRetries:      c.MaxRetries,
		MinRetryBackoff: c.MinRetryBackoff,
		MaxRetryBackoff: c.MaxRetryBackoff,
		TLSConfig:       tlsConfig,
	})
}

func newClusterClient(c *RedisConfig, tlsConfig *tls.Config) RedisClient {
	addrs := c.Addrs
	if len(addrs) == 0 && c.Addr != "" {
		addrs = strings.Split(c.Addr, ",")
		for i := range addrs {
			addrs[i] = strings.TrimSpace(addrs[i])
		}
	}
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:           addrs,
		Username:        c.Username,
		Password:        c.Password,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		MaxRetries:      c.MaxRetries,
		MinRetryBackoff: c.MinRetryBackoff,
		MaxRetryBackoff: c.MaxRetryBackoff,
		TLSConfig:       tlsConfig,
	})
}

func newSentinelClient(c *RedisConfig, tlsConfig *tls.Config) RedisClient {
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       c.MasterName,
		SentinelAddrs:    c.SentinelAddrs,
		Username:         c.Username,
		Password:         c.Password,
		SentinelUsername: c.Username,
		SentinelPassword: c.Password,
		DB:               c.DB,
		DialTimeout:      c.DialTimeout,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		PoolSize:         c.PoolSize,
		MinIdleConns:     c.MinIdleConns,
		ConnMaxIdleTime:  c.ConnMaxIdleTime,
		MaxRetries:       c.MaxRetries,
		MinRetryBackoff:  c.MinRetryBackoff,
		MaxRetryBackoff:  c.MaxRetryBackoff,
		TLSConfig:        tlsConfig,
	})
}

// Client returns the underlying client or ErrClosed.
func (c *RedisConnection) Client() (RedisClient, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.client, nil
}

// Config returns the effective configuration.
func (c *RedisConnection) Config() *RedisConfig { return c.config }

// Ping sends PING and reports any failure as unavailable.
func (c *RedisConnection) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return &UnavailableError{Op: "ping", Err: ErrClosed}
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &UnavailableError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the client. Calling it twice is safe.
func (c *RedisConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Close()
}
