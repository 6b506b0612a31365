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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/logger"
)

// Backend names a Storage implementation.
type Backend string

const (
	// BackendMemory keeps everything in process. Single-instance only.
	BackendMemory Backend = "memory"
	// BackendRedis shares state across processes through Redis.
	BackendRedis Backend = "redis"
)

// Config selects and configures the backend at deployment time.
type Config struct {
	Backend Backend     `mapstructure:"backend" json:"backend" yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis" json:"redis" yaml:"redis"`

	// ConnectAttempts is how many times Open pings Redis before giving up.
	// Zero skips the startup ping.
	ConnectAttempts int `mapstructure:"connect_attempts" json:"connect_attempts" yaml:"connect_attempts" validate:"gte=0"`
}

// OpenOption customises Open.
type OpenOption func(*openOptions)

type openOptions struct {
	logger *zap.Logger
}

// WithOpenLogger sets the logger that reports the chosen backend.
func WithOpenLogger(l *zap.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, opts ...OpenOption) (Storage, error) {
	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		o.logger.Info("opening storage", zap.String("backend", string(BackendMemory)))
		return NewMemoryStorage(), nil
	case BackendRedis:
		redisCfg := cfg.Redis
		o.logger.Info("opening storage",
			zap.String("backend", string(BackendRedis)),
			zap.Any("redis", redisCfg.Redacted()))
		s, err := NewRedisStorage(&redisCfg)
		if err != nil {
			return nil, err
		}
		if cfg.ConnectAttempts > 0 {
			if err := pingWithRetry(ctx, s, cfg.ConnectAttempts, redisCfg.MinRetryBackoff, redisCfg.MaxRetryBackoff); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func pingWithRetry(ctx context.Context, s Storage, attempts int, backoff, maxBackoff time.Duration) error {
	if backoff <= 0 {
		backoff = 8 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = s.Ping(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("storage: ping failed after %d attempts: %w", attempts, lastErr)
}
