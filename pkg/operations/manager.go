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

// Package operations is the facade services use to run idempotent work,
// drive sagas and keep the shared storage clean.
package operations

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/idempotency"
	"github.com/innovationmech/opguard/pkg/lock"
	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/saga"
	"github.com/innovationmech/opguard/pkg/storage"
)

const (
	defaultBatchSize          = 100
	defaultOperationRetention = 24 * time.Hour
)

// ErrManagerClosed is returned by Go after Close.
var ErrManagerClosed = errors.New("operations: manager closed")

// Manager wires the idempotency ledger and the saga orchestrator to one
// storage backend. Hosts construct it once, share it and Close it on
// shutdown; the storage itself stays owned by the host.
type Manager struct {
	store        storage.Storage
	locker       *lock.Locker
	ledger       *idempotency.Ledger
	orchestrator *saga.Orchestrator
	expiry       *storage.ExpiryIndex

	now       func() time.Time
	logger    *zap.Logger
	metrics   metrics.Collector
	batchSize int
	opRetain  time.Duration

	ledgerOpts []idempotency.Option
	sagaOpts   []saga.Option

	cleanupMu sync.Mutex
	loopMu    sync.Mutex
	loopStop  chan struct{}
	loopDone  chan struct{}

	opsMu  sync.Mutex
	ops    sync.WaitGroup
	closed bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by every component.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.logger = log }
}

// WithMetrics sets the collector shared by every component.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = metrics.OrNoop(c) }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBatchSize bounds how many expiry index entries a sweep reads at once.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithOperationRetention sets how long finished background operations are kept.
func WithOperationRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opRetain = d
		}
	}
}

// WithLedgerOptions passes extra options to the idempotency ledger.
func WithLedgerOptions(opts ...idempotency.Option) Option {
	return func(m *Manager) { m.ledgerOpts = append(m.ledgerOpts, opts...) }
}

// WithSagaOptions passes extra options to the saga orchestrator.
func WithSagaOptions(opts ...saga.Option) Option {
	return func(m *Manager) { m.sagaOpts = append(m.sagaOpts, opts...) }
}

// NewManager builds a Manager over store.
func NewManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		now:       time.Now,
		metrics:   metrics.NoopCollector{},
		batchSize: defaultBatchSize,
		opRetain:  defaultOperationRetention,
		expiry:    storage.NewExpiryIndex(store),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.GetLogger()
	}

	m.locker = lock.NewLocker(store, lock.WithClock(m.now), lock.WithLogger(m.logger))
	m.ledger = idempotency.NewLedger(store, append([]idempotency.Option{
		idempotency.WithClock(m.now),
		idempotency.WithLogger(m.logger),
		idempotency.WithMetrics(m.metrics),
		idempotency.WithLocker(m.locker),
	}, m.ledgerOpts...)...)
	m.orchestrator = saga.NewOrchestrator(store, saga.NewRegistry(), append([]saga.Option{
		saga.WithClock(m.now),
		saga.WithLogger(m.logger),
		saga.WithMetrics(m.metrics),
		saga.WithLocker(m.locker),
	}, m.sagaOpts...)...)
	return m
}

// Ledger returns the idempotency ledger, for the HTTP middleware.
func (m *Manager) Ledger() *idempotency.Ledger { return m.ledger }

// Orchestrator returns the saga orchestrator.
func (m *Manager) Orchestrator() *saga.Orchestrator { return m.orchestrator }

// RegisterHandler registers a saga step handler.
func (m *Manager) RegisterHandler(name string, h saga.Handler) error {
	return m.orchestrator.Registry().RegisterHandler(name, h)
}

// RegisterCompensation registers a saga step compensation.
func (m *Manager) RegisterCompensation(name string, c saga.Compensation) error {
	return m.orchestrator.Registry().RegisterCompensation(name, c)
}

// DeriveKey returns the idempotency key for a request.
func (m *Manager) DeriveKey(tenantID, userID, opType string, params any) (string, error) {
	return idempotency.DeriveKey(tenantID, userID, opType, params)
}

// RunIdempotent runs fn at most once per key within ttl. The record is
// indexed under tenantID so tenant-scoped cleanup sees it.
func (m *Manager) RunIdempotent(ctx context.Context, tenantID, key string, ttl time.Duration, fn idempotency.Func) (*idempotency.Outcome, error) {
	if tenantID == "" {
		return nil, &idempotency.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	return m.ledger.Run(ctx, key, ttl, fn, idempotency.ForTenant(tenantID))
}

// CreateSaga persists a pending saga.
func (m *Manager) CreateSaga(ctx context.Context, tenantID string, steps []saga.StepDefinition) (*saga.Report, error) {
	return m.orchestrator.Create(ctx, tenantID, steps)
}

// ExecuteSaga drives a saga to a terminal status.
func (m *Manager) ExecuteSaga(ctx context.Context, sagaID string) (*saga.Report, error) {
	return m.orchestrator.Execute(ctx, sagaID)
}

// GetSagaStatus returns a saga and its steps.
func (m *Manager) GetSagaStatus(ctx context.Context, sagaID string) (*saga.Report, error) {
	return m.orchestrator.Status(ctx, sagaID)
}

// CancelSaga cancels a pending saga or flags a running one.
func (m *Manager) CancelSaga(ctx context.Context, sagaID string) (*saga.Report, error) {
	return m.orchestrator.Cancel(ctx, sagaID)
}

// SagaHistory returns the audit log of a saga.
func (m *Manager) SagaHistory(ctx context.Context, sagaID string) ([]saga.HistoryEntry, error) {
	return m.orchestrator.History(ctx, sagaID)
}

// HealthCheck reports whether the storage backend is reachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close stops the cleanup loop and waits for background operations until ctx
// is done. The storage is not closed.
func (m *Manager) Close(ctx context.Context) error {
	m.opsMu.Lock()
	m.closed = true
	m.opsMu.Unlock()

	m.stopCleanupLoop()
	return m.Wait(ctx)
}
