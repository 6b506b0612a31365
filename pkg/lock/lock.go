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

// Package lock implements a lease-based mutual exclusion primitive on top of
// storage.Storage. A lock is a key holding a random token with a ttl; only the
// holder of the token can release or extend it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/storage"
)

var (
	// ErrNotAcquired means another holder owns the lock.
	ErrNotAcquired = errors.New("lock: operation already in progress")

	// ErrInvalidTTL is returned for a non-positive ttl. Locks always expire.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// Lock is a held lease.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// RetryConfig bounds AcquireWithRetry. Waiting is never unbounded.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter adds up to this fraction of the delay, 0 disables it.
	Jitter float64
}

// DefaultRetryConfig is the acquisition policy used by the idempotency ledger.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Jitter:       0.2,
	}
}

// Locker hands out locks stored under a common prefix.
type Locker struct {
	store  storage.Storage
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option customises a Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix. Default: "lock:".
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Locker) { l.logger = log }
}

// NewLocker returns a Locker over store.
func NewLocker(store storage.Storage, opts ...Option) *Locker {
	l := &Locker{
		store:  store,
		prefix: "lock:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logger.GetLogger()
	}
	return l
}

func (l *Locker) key(name string) string { return l.prefix + name }

// Acquire makes a single attempt. It returns ErrNotAcquired when the lock is
// held and a storage error when the backend cannot be reached.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key(name), []byte(token), ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{Key: name, Token: token, AcquiredAt: l.now(), TTL: ttl}, nil
}

// AcquireWithRetry retries Acquire with exponential backoff until it succeeds,
// the attempts run out (ErrNotAcquired), ctx ends or storage fails.
func (l *Locker) AcquireWithRetry(ctx context.Context, name string, ttl time.Duration, cfg RetryConfig) (*Lock, error) {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		lk, err := l.Acquire(ctx, name, ttl)
		if err == nil || !errors.Is(err, ErrNotAcquired) || attempt >= attempts {
			return lk, err
		}

		wait := delay
		if cfg.Jitter > 0 && wait > 0 {
			wait += time.Duration(rand.Float64() * cfg.Jitter * float64(wait))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// Release deletes the lock if lk still owns it. Releasing a lock that expired
// or was taken over by someone else is a no-op and reports false.
func (l *Locker) Release(ctx context.Context, lk *Lock) (bool, error) {
	if lk == nil {
		return false, nil
	}
	ok, err := l.store.CompareAndDelete(ctx, l.key(lk.Key), []byte(lk.Token))
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lk.Key, err)
	}
	if !ok {
		l.logger.Debug("lock release skipped, token no longer current", zap.String("key", lk.Key))
	}
	return ok, nil
}

// Extend resets the ttl of a lock lk still owns.
func (l *Locker) Extend(ctx context.Context, lk *Lock, ttl time.Duration) (bool, error) {
	if lk == nil {
		return false, nil
	}
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	token := []byte(lk.Token)
	ok, err := l.store.CompareAndSwap(ctx, l.key(lk.Key), token, token, ttl)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", lk.Key, err)
	}
	if ok {
		lk.TTL = ttl
	}
	return ok, nil
}

// Holder returns the token currently stored for name, or "" when free.
func (l *Locker) Holder(ctx context.Context, name string) (string, error) {
	b, err := l.store.Get(ctx, l.key(name))
	if storage.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}
