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
	"math"
	"time"
)

const (
	globalExpiryIndex = "expiry:all"
	tenantExpiryIndex = "expiry:tenant:"
)

// ExpiryIndex tracks when records become eligible for cleanup. Members are
// scored by expires_at in unix milliseconds, once in a global index and once
// in a per-tenant index so sweeps can be scoped to a tenant.
type ExpiryIndex struct {
	store Storage
}

// NewExpiryIndex returns an ExpiryIndex over store.
func NewExpiryIndex(store Storage) *ExpiryIndex {
	return &ExpiryIndex{store: store}
}

// IndexName returns the index that holds members for tenantID, or the global
// index when tenantID is empty.
func IndexName(tenantID string) string {
	if tenantID == "" {
		return globalExpiryIndex
	}
	return tenantExpiryIndex + tenantID
}

// Track records member as expiring at expiresAt.
func (x *ExpiryIndex) Track(ctx context.Context, tenantID, member string, expiresAt time.Time) error {
	score := float64(expiresAt.UnixMilli())
	if err := x.store.ZAdd(ctx, globalExpiryIndex, member, score); err != nil {
		return err
	}
	if tenantID == "" {
		return nil
	}
	return x.store.ZAdd(ctx, IndexName(tenantID), member, score)
}

// Untrack removes member from the global index and, when tenantID is set,
// from the tenant index.
func (x *ExpiryIndex) Untrack(ctx context.Context, tenantID, member string) error {
	if err := x.store.ZRem(ctx, globalExpiryIndex, member); err != nil {
		return err
	}
	if tenantID == "" {
		return nil
	}
	return x.store.ZRem(ctx, IndexName(tenantID), member)
}

// Due returns up to limit members whose expiry is at or before now.
func (x *ExpiryIndex) Due(ctx context.Context, tenantID string, now time.Time, limit int) ([]string, error) {
	return x.store.ZRangeByScore(ctx, IndexName(tenantID), math.Inf(-1), float64(now.UnixMilli()), limit)
}
