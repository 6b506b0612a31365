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

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/innovationmech/opguard/pkg/storage"
)

// MemberPrefix prefixes saga keys in storage and in the expiry index.
const MemberPrefix = "saga:"

func workflowKey(id string) string         { return MemberPrefix + id }
func stepKey(sagaID, stepID string) string { return MemberPrefix + sagaID + ":step:" + stepID }
func historyKey(id string) string          { return MemberPrefix + id + ":history" }
func cancelKey(id string) string           { return MemberPrefix + id + ":cancel" }

// SagaIDFromMember returns the saga id for an expiry index member, or false
// when member belongs to another record kind.
func SagaIDFromMember(member string) (string, bool) {
	if !strings.HasPrefix(member, MemberPrefix) {
		return "", false
	}
	return strings.TrimPrefix(member, MemberPrefix), true
}

// Store persists workflows, steps and history on a storage.Storage.
type Store struct {
	store  storage.Storage
	expiry *storage.ExpiryIndex
	now    func() time.Time
	// tail keeps records in the backend for a while after their logical expiry
	// so the cleanup sweep, not the backend, decides when they go.
	tail time.Duration
}

// NewStore returns a Store over s.
func NewStore(s storage.Storage, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{store: s, expiry: storage.NewExpiryIndex(s), now: now, tail: time.Hour}
}

func (s *Store) ttl(wf *Workflow) time.Duration {
	d := wf.ExpiresAt.Sub(s.now()) + s.tail
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// SaveWorkflow writes the workflow header and indexes its expiry.
func (s *Store) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, workflowKey(wf.ID), raw, s.ttl(wf)); err != nil {
		return fmt.Errorf("save saga %s: %w", wf.ID, err)
	}
	if err := s.expiry.Track(ctx, wf.TenantID, workflowKey(wf.ID), wf.ExpiresAt); err != nil {
		return fmt.Errorf("index saga %s: %w", wf.ID, err)
	}
	return nil
}

// SaveStep writes one step. Its backend ttl follows the owning workflow.
func (s *Store) SaveStep(ctx context.Context, wf *Workflow, step *Step) error {
	raw, err := json.Marshal(step)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, stepKey(wf.ID, step.ID), raw, s.ttl(wf)); err != nil {
		return fmt.Errorf("save step %s of saga %s: %w", step.ID, wf.ID, err)
	}
	return nil
}

// LoadWorkflow reads a workflow header and its raw encoding.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*Workflow, []byte, error) {
	raw, err := s.store.Get(ctx, workflowKey(id))
	if storage.IsNotFound(err) {
		return nil, nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, nil, fmt.Errorf("decode saga %s: %w", id, err)
	}
	return &wf, raw, nil
}

// LoadReport reads a workflow and all of its steps.
func (s *Store) LoadReport(ctx context.Context, id string) (*Report, error) {
	wf, _, err := s.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(wf.StepIDs))
	for _, stepID := range wf.StepIDs {
		raw, err := s.store.Get(ctx, stepKey(id, stepID))
		if err != nil {
			return nil, fmt.Errorf("load step %s of saga %s: %w", stepID, id, err)
		}
		var step Step
		if err := json.Unmarshal(raw, &step); err != nil {
			return nil, fmt.Errorf("decode step %s of saga %s: %w", stepID, id, err)
		}
		steps = append(steps, &step)
	}
	return &Report{Workflow: wf, Steps: steps}, nil
}

// AppendHistory adds an entry to the audit log.
func (s *Store) AppendHistory(ctx context.Context, wf *Workflow, entry HistoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.store.Append(ctx, historyKey(wf.ID), s.ttl(wf), raw)
}

// History returns the audit log in append order.
func (s *Store) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	items, err := s.store.Range(ctx, historyKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(items))
	for _, raw := range items {
		var e HistoryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode history of saga %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RequestCancel flags a saga for cancellation at the next step boundary.
func (s *Store) RequestCancel(ctx context.Context, wf *Workflow) error {
	return s.store.Set(ctx, cancelKey(wf.ID), []byte(s.now().UTC().Format(time.RFC3339Nano)), s.ttl(wf))
}

// CancelRequested reports whether RequestCancel was called for id.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	_, err := s.store.Get(ctx, cancelKey(id))
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes a saga whose expiry is at or before now. The header is
// removed with compare-and-delete so a saga touched after the sweep started
// survives. Steps and the cancel flag are deleted with it; the history list
// runs out on its backend ttl.
func (s *Store) PurgeExpired(ctx context.Context, id, tenantHint string, now time.Time) (bool, error) {
	wf, raw, err := s.LoadWorkflow(ctx, id)
	if errors.Is(err, ErrSagaNotFound) {
		return false, s.expiry.Untrack(ctx, tenantHint, workflowKey(id))
	}
	if err != nil {
		return false, err
	}
	if now.Before(wf.ExpiresAt) {
		return false, s.expiry.Track(ctx, wf.TenantID, workflowKey(id), wf.ExpiresAt)
	}

	deleted, err := s.store.CompareAndDelete(ctx, workflowKey(id), raw)
	if err != nil || !deleted {
		return false, err
	}

	keys := make([]string, 0, len(wf.StepIDs)+1)
	for _, stepID := range wf.StepIDs {
		keys = append(keys, stepKey(id, stepID))
	}
	keys = append(keys, cancelKey(id))
	if err := s.store.Delete(ctx, keys...); err != nil {
		return true, err
	}
	return true, s.expiry.Untrack(ctx, wf.TenantID, workflowKey(id))
}
