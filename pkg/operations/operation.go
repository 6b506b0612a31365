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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/storage"
)

const operationPrefix = "op:"

// operationTail keeps finished operations in the backend past their logical
// expiry until a sweep removes them.
const operationTail = time.Hour

// ErrOperationNotFound is returned for unknown operation ids.
var ErrOperationNotFound = errors.New("operations: operation not found")

// OperationStatus is the lifecycle state of a BackgroundOperation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// BackgroundOperation tracks fire-and-forget work started with Go.
type BackgroundOperation struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Type        string            `json:"type"`
	Status      OperationStatus   `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func operationKey(id string) string { return operationPrefix + id }

func operationIDFromMember(member string) (string, bool) {
	if !strings.HasPrefix(member, operationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(member, operationPrefix), true
}

// Go records a pending operation and runs fn in the background. fn gets a
// context detached from ctx's cancellation; Close waits for it.
func (m *Manager) Go(ctx context.Context, tenantID, opType string, metadata map[string]string, fn func(context.Context) error) (*BackgroundOperation, error) {
	if opType == "" {
		return nil, errors.New("operations: operation type is required")
	}
	if fn == nil {
		return nil, errors.New("operations: operation func is required")
	}

	now := m.now()
	op := &BackgroundOperation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      opType,
		Status:    OperationPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.opRetain),
	}

	m.opsMu.Lock()
	if m.closed {
		m.opsMu.Unlock()
		return nil, ErrManagerClosed
	}
	m.ops.Add(1)
	m.opsMu.Unlock()

	if err := m.saveOperation(ctx, op); err != nil {
		m.ops.Done()
		return nil, err
	}

	snapshot := *op
	go m.runOperation(context.WithoutCancel(ctx), op, fn)
	return &snapshot, nil
}

func (m *Manager) runOperation(ctx context.Context, op *BackgroundOperation, fn func(context.Context) error) {
	defer m.ops.Done()
	log := m.logger.With(zap.String("operation_id", op.ID), zap.String("type", op.Type))

	started := m.now()
	op.Status = OperationRunning
	op.StartedAt = &started
	m.touchOperation(op)
	if err := m.saveOperation(ctx, op); err != nil {
		log.Warn("failed to record operation start", zap.Error(err))
	}

	err := invokeOperation(ctx, fn)

	finished := m.now()
	op.CompletedAt = &finished
	op.Status = OperationCompleted
	if err != nil {
		op.Status = OperationFailed
		op.Error = err.Error()
		log.Warn("background operation failed", zap.Error(err))
	} else {
		log.Debug("background operation completed")
	}
	m.touchOperation(op)
	if err := m.saveOperation(ctx, op); err != nil {
		log.Error("failed to record operation result", zap.Error(err))
	}
	m.metrics.IncrementCounter(metrics.OperationFinished, map[string]string{"type": op.Type, "status": string(op.Status)})
}

func invokeOperation(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (m *Manager) touchOperation(op *BackgroundOperation) {
	now := m.now()
	op.UpdatedAt = now
	op.ExpiresAt = now.Add(m.opRetain)
}

func (m *Manager) saveOperation(ctx context.Context, op *BackgroundOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	ttl := op.ExpiresAt.Sub(m.now()) + operationTail
	if err := m.store.Set(ctx, operationKey(op.ID), raw, ttl); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return m.expiry.Track(ctx, op.TenantID, operationKey(op.ID), op.ExpiresAt)
}

func (m *Manager) loadOperation(ctx context.Context, id string) (*BackgroundOperation, []byte, error) {
	raw, err := m.store.Get(ctx, operationKey(id))
	if storage.IsNotFound(err) {
		return nil, nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var op BackgroundOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, nil, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return &op, raw, nil
}

// GetOperation returns a background operation.
func (m *Manager) GetOperation(ctx context.Context, id string) (*BackgroundOperation, error) {
	op, _, err := m.loadOperation(ctx, id)
	return op, err
}

// Wait blocks until every operation started with Go has finished or ctx is
// done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) purgeOperation(ctx context.Context, id, tenantHint string, now time.Time) (bool, error) {
	op, raw, err := m.loadOperation(ctx, id)
	if errors.Is(err, ErrOperationNotFound) {
		return false, m.expiry.Untrack(ctx, tenantHint, operationKey(id))
	}
	if err != nil {
		return false, err
	}
	if now.Before(op.ExpiresAt) {
		return false, m.expiry.Track(ctx, op.TenantID, operationKey(id), op.ExpiresAt)
	}
	deleted, err := m.store.CompareAndDelete(ctx, operationKey(id), raw)
	if err != nil || !deleted {
		return false, err
	}
	return true, m.expiry.Untrack(ctx, op.TenantID, operationKey(id))
}
