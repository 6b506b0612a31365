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

package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/idempotency"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/saga"
)

var (
	// ErrCleanupInProgress is returned when a sweep is already running in this
	// process.
	ErrCleanupInProgress = errors.New("cleanup operation already in progress")

	// ErrCleanupRunning is returned by StartCleanup when the loop is started twice.
	ErrCleanupRunning = errors.New("cleanup loop already running")
)

// Record kinds reported in CleanupStats.Breakdown.
const (
	KindIdempotency = "idempotency"
	KindSaga        = "saga"
	KindOperation   = "operation"
	KindUnknown     = "unknown"
)

// CleanupStats describes one sweep.
type CleanupStats struct {
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Scanned   int            `json:"scanned"`
	Deleted   int            `json:"deleted"`
	Errors    int            `json:"errors"`
	Breakdown map[string]int `json:"breakdown"`
	LastError string         `json:"last_error,omitempty"`
}

func (s *CleanupStats) complete() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// CleanupExpired deletes every record whose expiry has passed, optionally
// limited to one tenant. The expiry index is read in batches and each record
// is re-read before it is deleted, so a record extended after the sweep
// started is kept. Index entries whose record is gone are dropped.
//
// Failures on single records are counted and the sweep goes on; the returned
// error is only set when the index itself cannot be read.
func (m *Manager) CleanupExpired(ctx context.Context, tenantID string) (*CleanupStats, error) {
	if !m.cleanupMu.TryLock() {
		return nil, ErrCleanupInProgress
	}
	defer m.cleanupMu.Unlock()

	now := m.now()
	stats := &CleanupStats{StartTime: time.Now(), TenantID: tenantID, Breakdown: make(map[string]int)}
	defer func() {
		stats.complete()
		m.metrics.ObserveHistogram(metrics.CleanupSeconds, stats.Duration.Seconds(), nil)
	}()

	// Entries that stay due after being visited (a saga held by an executor,
	// a delete that failed) are remembered so the sweep terminates.
	stuck := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		limit := m.batchSize + len(stuck)
		members, err := m.expiry.Due(ctx, tenantID, now, limit)
		if err != nil {
			return stats, fmt.Errorf("read expiry index: %w", err)
		}

		fresh := 0
		for _, member := range members {
			if _, ok := stuck[member]; ok {
				continue
			}
			fresh++
			stats.Scanned++

			kind, deleted, err := m.purge(ctx, member, tenantID, now)
			if err != nil {
				stuck[member] = struct{}{}
				stats.Errors++
				stats.LastError = err.Error()
				m.logger.Warn("failed to purge expired record",
					zap.String("member", member), zap.String("kind", kind), zap.Error(err))
				continue
			}
			if !deleted {
				stuck[member] = struct{}{}
				continue
			}
			stats.Deleted++
			stats.Breakdown[kind]++
			m.metrics.IncrementCounter(metrics.CleanupDeleted, map[string]string{"kind": kind})
		}
		if fresh == 0 || len(members) < limit {
			break
		}
	}

	m.logger.Info("cleanup completed",
		zap.String("tenant_id", tenantID),
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

func (m *Manager) purge(ctx context.Context, member, tenantID string, now time.Time) (string, bool, error) {
	if key, ok := idempotency.KeyFromMember(member); ok {
		deleted, err := m.ledger.PurgeExpired(ctx, key, tenantID, now)
		return KindIdempotency, deleted, err
	}
	if id, ok := saga.SagaIDFromMember(member); ok {
		deleted, err := m.orchestrator.PurgeExpired(ctx, id, tenantID, now)
		return KindSaga, deleted, err
	}
	if id, ok := operationIDFromMember(member); ok {
		deleted, err := m.purgeOperation(ctx, id, tenantID, now)
		return KindOperation, deleted, err
	}
	// Nothing owns this entry any more.
	return KindUnknown, false, m.expiry.Untrack(ctx, tenantID, member)
}

// StartCleanup runs CleanupExpired for all tenants every interval until
// Close is called or ctx is done. Hosts with an external scheduler call
// CleanupExpired directly instead.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopStop != nil {
		return ErrCleanupRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.loopStop, m.loopDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupExpired(ctx, ""); err != nil {
					if errors.Is(err, ErrCleanupInProgress) {
						m.logger.Debug("skipping cleanup tick, sweep still running")
						continue
					}
					m.logger.Error("automatic cleanup failed", zap.Error(err))
				}
			}
		}
	}()

	m.logger.Info("cleanup loop started", zap.Duration("interval", interval), zap.Int("batch_size", m.batchSize))
	return nil
}

func (m *Manager) stopCleanupLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopStop == nil {
		return
	}
	close(m.loopStop)
	<-m.loopDone
	m.loopStop, m.loopDone = nil, nil
	m.logger.Info("cleanup loop stopped")
}
