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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/opguard/pkg/metrics"
)

func TestGoTracksOperation(t *testing.T) {
	m, _, _, rec := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	op, err := m.Go(ctx, "tenant-a", "reindex", map[string]string{"index": "orders"}, func(ctx context.Context) error {
		<-release
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, OperationPending, op.Status)
	assert.Equal(t, "orders", op.Metadata["index"])

	// Cancelling the caller's context does not stop the operation.
	cancel()
	close(release)
	require.NoError(t, m.Wait(context.Background()))

	stored, err := m.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, rec.Count(metrics.OperationFinished))
}

func TestGoRecordsFailureAndPanic(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	failed, err := m.Go(ctx, "", "sync", nil, func(context.Context) error { return errors.New("upstream 503") })
	require.NoError(t, err)
	panicked, err := m.Go(ctx, "", "sync", nil, func(context.Context) error { panic("nil map") })
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	got, err := m.GetOperation(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, OperationFailed, got.Status)
	assert.Equal(t, "upstream 503", got.Error)

	got, err = m.GetOperation(ctx, panicked.ID)
	require.NoError(t, err)
	assert.Equal(t, OperationFailed, got.Status)
	assert.Contains(t, got.Error, "nil map")
}

func TestGoValidationAndClose(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Go(ctx, "", "", nil, func(context.Context) error { return nil })
	assert.Error(t, err)
	_, err = m.Go(ctx, "", "x", nil, nil)
	assert.Error(t, err)

	require.NoError(t, m.Close(ctx))
	_, err = m.Go(ctx, "", "x", nil, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrManagerClosed)

	_, err = m.GetOperation(ctx, "missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestWaitHonoursContext(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	release := make(chan struct{})
	_, err := m.Go(context.Background(), "", "slow", nil, func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, m.Wait(context.Background()))
}

func TestCleanupPurgesFinishedOperations(t *testing.T) {
	m, clock, _, _ := newTestManager(t, WithOperationRetention(time.Minute))
	ctx := context.Background()

	op, err := m.Go(ctx, "tenant-a", "export", nil, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	clock.Advance(2 * time.Minute)
	stats, err := m.CleanupExpired(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Breakdown[KindOperation])

	_, err = m.GetOperation(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}
