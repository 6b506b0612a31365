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

// Package idempotency guarantees that a logically identical request executes
// its side effect at most once and that retries receive the original result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/lock"
	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/storage"
)

// MemberPrefix prefixes record keys in storage and in the expiry index.
const MemberPrefix = "idem:"

const (
	defaultLockTTL     = 30 * time.Second
	defaultStorageTail = time.Hour
)

// Func is the protected operation. Its result is stored as JSON.
type Func func(ctx context.Context) (json.RawMessage, error)

// Ledger records the lifecycle of idempotency keys.
type Ledger struct {
	store     storage.Storage
	locker    *lock.Locker
	expiry    *storage.ExpiryIndex
	now       func() time.Time
	logger    *zap.Logger
	metrics   metrics.Collector
	lockTTL   time.Duration
	lockRetry lock.RetryConfig
	tail      time.Duration

	inProgressTTL time.Duration
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.logger = log }
}

// WithMetrics sets the metrics hook.
func WithMetrics(c metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = metrics.OrNoop(c) }
}

// WithLockTTL bounds how long the per-key lock is held if its owner dies.
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.lockTTL = ttl
		}
	}
}

// WithInProgressTTL bounds how long an unfinished claim blocks the key. After
// it passes the claim is treated as abandoned and the key may be claimed again.
// It defaults to the lock ttl and never exceeds the result ttl.
func WithInProgressTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.inProgressTTL = ttl
		}
	}
}

// WithLockRetry sets the bounded acquisition policy.
func WithLockRetry(cfg lock.RetryConfig) Option {
	return func(l *Ledger) { l.lockRetry = cfg }
}

// WithStorageTail sets how long a record stays in the backend after its
// logical expiry. Cleanup sweeps normally remove it earlier; the tail only
// keeps an unswept backend from growing without bound.
func WithStorageTail(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.tail = d
		}
	}
}

// WithLocker shares a Locker with other components.
func WithLocker(lk *lock.Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

// NewLedger creates a ledger over store.
func NewLedger(store storage.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		expiry:    storage.NewExpiryIndex(store),
		now:       time.Now,
		metrics:   metrics.NoopCollector{},
		lockTTL:   defaultLockTTL,
		lockRetry: lock.DefaultRetryConfig(),
		tail:      defaultStorageTail,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logger.GetLogger()
	}
	if l.inProgressTTL == 0 {
		l.inProgressTTL = l.lockTTL
	}
	if l.locker == nil {
		l.locker = lock.NewLocker(store, lock.WithClock(l.now), lock.WithLogger(l.logger))
	}
	return l
}

func recordKey(key string) string { return MemberPrefix + key }

// Lookup returns the stored record, nil when none exists, or a storage error.
func (l *Ledger) Lookup(ctx context.Context, key string) (*Record, []byte, error) {
	raw, err := l.store.Get(ctx, recordKey(key))
	if storage.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return rec, raw, nil
}

// lookupOrFailOpen treats storage failures as a missing record.
func (l *Ledger) lookupOrFailOpen(ctx context.Context, key string) *Record {
	rec, _, err := l.Lookup(ctx, key)
	if err != nil {
		l.logger.Warn("idempotency lookup failed, treating as new request",
			zap.String("key", key), zap.Error(err))
		l.metrics.IncrementCounter(metrics.IdempotencyFailOpen, map[string]string{"stage": "lookup"})
		return nil
	}
	return rec
}

// Begin decides what a caller holding key must do. Exactly one result is set:
//   - a completed record to replay,
//   - a Claim under which the caller executes and then calls Complete or Fail,
//   - an error (ErrDuplicateInFlight, ErrGuaranteeUnavailable or a ValidationError).
func (l *Ledger) Begin(ctx context.Context, key string, ttl time.Duration, opts ...RunOption) (*Record, *Claim, error) {
	if key == "" {
		return nil, nil, &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if ttl <= 0 {
		return nil, nil, &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}

	if rec, done, err := l.screen(l.lookupOrFailOpen(ctx, key)); done {
		return rec, nil, err
	}

	lk, err := l.locker.AcquireWithRetry(ctx, recordKey(key), l.lockTTL, l.lockRetry)
	if errors.Is(err, lock.ErrNotAcquired) {
		// A racer holds the key. Report its outcome if it already finished.
		if rec := l.lookupOrFailOpen(ctx, key); rec != nil && rec.Replayable(l.now()) {
			l.metrics.IncrementCounter(metrics.IdempotencyHit, nil)
			return rec, nil, nil
		}
		l.metrics.IncrementCounter(metrics.IdempotencyDuplicate, nil)
		return nil, nil, ErrDuplicateInFlight
	}
	if err != nil {
		return nil, nil, l.unavailable("lock", key, err)
	}

	claim, rec, err := l.claimLocked(ctx, key, ttl, ro.tenantID, lk)
	if err != nil || rec != nil {
		l.releaseLock(ctx, lk)
		return rec, nil, err
	}
	l.metrics.IncrementCounter(metrics.IdempotencyMiss, nil)
	return nil, claim, nil
}

// screen applies the replay and in-flight rules to a looked-up record.
func (l *Ledger) screen(rec *Record) (*Record, bool, error) {
	if rec == nil {
		return nil, false, nil
	}
	now := l.now()
	switch {
	case rec.Replayable(now):
		l.metrics.IncrementCounter(metrics.IdempotencyHit, nil)
		return rec, true, nil
	case rec.InFlight(now):
		l.metrics.IncrementCounter(metrics.IdempotencyDuplicate, nil)
		return nil, true, ErrDuplicateInFlight
	default:
		return nil, false, nil
	}
}

// claimLocked re-reads the record under the lock and writes in_progress.
func (l *Ledger) claimLocked(ctx context.Context, key string, ttl time.Duration, tenantID string, lk *lock.Lock) (*Claim, *Record, error) {
	prev, prevRaw, err := l.Lookup(ctx, key)
	if err != nil {
		return nil, nil, l.unavailable("recheck", key, err)
	}
	if rec, done, err := l.screen(prev); done {
		return nil, rec, err
	}

	now := l.now()
	rec := &Record{
		Key:       key,
		TenantID:  tenantID,
		Status:    StatusInProgress,
		Attempts:  1,
		LockToken: lk.Token,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(min(l.inProgressTTL, ttl)),
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		rec.Attempts = prev.Attempts + 1
		if rec.TenantID == "" {
			rec.TenantID = prev.TenantID
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, nil, err
	}
	var written bool
	if prevRaw == nil {
		written, err = l.store.SetNX(ctx, recordKey(key), raw, l.storageTTL(rec))
	} else {
		written, err = l.store.CompareAndSwap(ctx, recordKey(key), prevRaw, raw, l.storageTTL(rec))
	}
	if err != nil {
		return nil, nil, l.unavailable("claim", key, err)
	}
	if !written {
		return nil, nil, ErrDuplicateInFlight
	}
	l.track(ctx, rec)

	return &Claim{ledger: l, key: key, ttl: ttl, lock: lk, record: rec, raw: raw}, nil, nil
}

func (l *Ledger) unavailable(stage, key string, err error) error {
	l.logger.Warn("idempotency cannot be guaranteed",
		zap.String("stage", stage), zap.String("key", key), zap.Error(err))
	l.metrics.IncrementCounter(metrics.IdempotencyFailOpen, map[string]string{"stage": stage})
	return fmt.Errorf("%w: %w", ErrGuaranteeUnavailable, err)
}

func (l *Ledger) storageTTL(rec *Record) time.Duration {
	ttl := rec.ExpiresAt.Sub(l.now()) + l.tail
	if ttl <= 0 {
		return time.Millisecond
	}
	return ttl
}

func (l *Ledger) track(ctx context.Context, rec *Record) {
	if err := l.expiry.Track(ctx, rec.TenantID, recordKey(rec.Key), rec.ExpiresAt); err != nil {
		l.logger.Warn("failed to index idempotency record expiry", zap.String("key", rec.Key), zap.Error(err))
	}
}

func (l *Ledger) releaseLock(ctx context.Context, lk *lock.Lock) {
	if _, err := l.locker.Release(context.WithoutCancel(ctx), lk); err != nil {
		l.logger.Warn("failed to release idempotency lock", zap.String("key", lk.Key), zap.Error(err))
	}
}

// Outcome is the result of Run.
type Outcome struct {
	Result   json.RawMessage
	Replayed bool
	Record   *Record
}

// RunOption customises a single Run or Begin call.
type RunOption func(*runOptions)

type runOptions struct {
	tenantID string
}

// ForTenant attributes the record to a tenant so tenant-scoped cleanup finds it.
func ForTenant(tenantID string) RunOption {
	return func(o *runOptions) { o.tenantID = tenantID }
}

// Run executes fn at most once per key within ttl. A completed key returns the
// stored result without calling fn; a key in flight returns
// ErrDuplicateInFlight. When fn fails the record is marked failed, keeping its
// original expiry, and fn's error is returned unchanged.
func (l *Ledger) Run(ctx context.Context, key string, ttl time.Duration, fn Func, opts ...RunOption) (*Outcome, error) {
	rec, claim, err := l.Begin(ctx, key, ttl, opts...)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return &Outcome{Result: rec.Result, Replayed: true, Record: rec}, nil
	}

	start := time.Now()
	result, fnErr := fn(ctx)
	l.metrics.ObserveHistogram(metrics.IdempotencyRunSeconds, time.Since(start).Seconds(), nil)

	if fnErr != nil {
		if err := claim.Fail(ctx, fnErr); err != nil {
			l.logger.Warn("failed to persist idempotency failure", zap.String("key", key), zap.Error(err))
		}
		return nil, fnErr
	}

	if err := claim.Complete(ctx, result); err != nil {
		l.logger.Warn("failed to persist idempotency result", zap.String("key", key), zap.Error(err))
		return &Outcome{Result: result, Record: claim.Record()}, nil
	}
	return &Outcome{Result: claim.Record().Result, Record: claim.Record()}, nil
}

// Do is Run for typed results.
func Do[T any](ctx context.Context, l *Ledger, key string, ttl time.Duration, fn func(context.Context) (T, error), opts ...RunOption) (T, bool, error) {
	var zero T
	out, err := l.Run(ctx, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, opts...)
	if err != nil {
		return zero, false, err
	}
	var v T
	if len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, &v); err != nil {
			return zero, out.Replayed, fmt.Errorf("decode idempotent result: %w", err)
		}
	}
	return v, out.Replayed, nil
}

// PurgeExpired deletes the record for key when it is expired at now. The
// expiry is checked against the value being deleted, so a record rewritten
// with a later expiry after the sweep started is kept.
func (l *Ledger) PurgeExpired(ctx context.Context, key, tenantHint string, now time.Time) (bool, error) {
	rec, raw, err := l.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, l.expiry.Untrack(ctx, tenantHint, recordKey(key))
	}
	if !rec.Expired(now) {
		return false, l.expiry.Track(ctx, rec.TenantID, recordKey(key), rec.ExpiresAt)
	}

	deleted, err := l.store.CompareAndDelete(ctx, recordKey(key), raw)
	if err != nil || !deleted {
		return false, err
	}
	return true, l.expiry.Untrack(ctx, rec.TenantID, recordKey(key))
}

// KeyFromMember returns the idempotency key for an expiry index member, or
// false when member belongs to another record kind.
func KeyFromMember(member string) (string, bool) {
	if !strings.HasPrefix(member, MemberPrefix) {
		return "", false
	}
	return strings.TrimPrefix(member, MemberPrefix), true
}

// Claim is the exclusive right to execute a key. Call Complete or Fail once.
type Claim struct {
	ledger *Ledger
	key    string
	ttl    time.Duration
	lock   *lock.Lock
	record *Record
	raw    []byte
	done   bool
}

// Key returns the claimed key.
func (c *Claim) Key() string { return c.key }

// Record returns the latest record written under this claim.
func (c *Claim) Record() *Record { return c.record }

// Complete stores result with a fresh ttl and releases the lock.
func (c *Claim) Complete(ctx context.Context, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	now := c.ledger.now()
	return c.finish(ctx, func(r *Record) {
		r.Status = StatusCompleted
		r.Result = result
		r.Error = ""
		r.UpdatedAt = now
		r.ExpiresAt = now.Add(c.ttl)
	})
}

// Fail marks the key failed and releases the lock. The expiry is not extended
// and the key may be claimed again straight away.
func (c *Claim) Fail(ctx context.Context, cause error) error {
	now := c.ledger.now()
	return c.finish(ctx, func(r *Record) {
		r.Status = StatusFailed
		r.Result = nil
		if cause != nil {
			r.Error = cause.Error()
		}
		r.UpdatedAt = now
	})
}

func (c *Claim) finish(ctx context.Context, mutate func(*Record)) error {
	if c.done {
		return ErrClaimFinished
	}
	c.done = true
	ctx = context.WithoutCancel(ctx)
	defer c.ledger.releaseLock(ctx, c.lock)

	next := *c.record
	next.LockToken = ""
	mutate(&next)
	raw, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	ok, err := c.ledger.store.CompareAndSwap(ctx, recordKey(c.key), c.raw, raw, c.ledger.storageTTL(&next))
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	c.record, c.raw = &next, raw
	c.ledger.track(ctx, &next)
	return nil
}
