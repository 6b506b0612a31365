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

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/opguard/pkg/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryLocker() (*Locker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return NewLocker(storage.NewMemoryStorage(storage.WithClock(c.Now)), WithClock(c.Now)), c
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemoryLocker()

	first, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)

	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	holder, err := l.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, first.Token, holder)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemoryLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "k", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseWithStaleTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	l, c := newMemoryLocker()

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	current, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "expired lock must be acquirable")

	released, err := l.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released)

	holder, err := l.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, current.Token, holder)

	released, err = l.Release(ctx, current)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = l.Release(ctx, current)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	l, c := newMemoryLocker()

	lk, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	ok, err := l.Extend(ctx, lk, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, lk.TTL)

	c.Advance(30 * time.Second)
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	other := &Lock{Key: "k", Token: "not-mine"}
	ok, err = l.Extend(ctx, other, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Extend(ctx, lk, 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestAcquireWithRetryIsBounded(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemoryLocker()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.AcquireWithRetry(ctx, "k", time.Minute, RetryConfig{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireWithRetrySucceedsAfterRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemoryLocker()

	held, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = l.Release(ctx, held)
	}()

	lk, err := l.AcquireWithRetry(ctx, "k", time.Minute, RetryConfig{MaxAttempts: 50, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.NotEqual(t, held.Token, lk.Token)
}

func TestAcquireSurfacesStorageFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Close())
	l := NewLocker(store)

	_, err := l.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
	assert.NotErrorIs(t, err, ErrNotAcquired)

	_, err = l.Acquire(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestLockOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := storage.NewRedisStorage(&storage.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()
	l := NewLocker(store)

	lk, err := l.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "job", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	mr.FastForward(2 * time.Second)
	_, err = l.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)

	released, err := l.Release(ctx, lk)
	require.NoError(t, err)
	assert.False(t, released)
}
