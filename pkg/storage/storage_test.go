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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// backendFactory builds a fresh store and a function that moves its clock.
type backendFactory func(t *testing.T) (Storage, func(time.Duration))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func memoryBackend(t *testing.T) (Storage, func(time.Duration)) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewMemoryStorage(WithClock(clock.Now), WithShardCount(4)), clock.Advance
}

func redisBackend(t *testing.T) (Storage, func(time.Duration)) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(&RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr.FastForward
}

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": memoryBackend,
		"redis":  redisBackend,
	}
}

func TestStorageKeyValue(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, advance := factory(t)

			_, err := s.Get(ctx, "missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Second))
			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			advance(2 * time.Second)
			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))
			advance(time.Hour)
			_, err = s.Get(ctx, "forever")
			assert.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "forever", "never-existed"))
			_, err = s.Get(ctx, "forever")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorageSetNX(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, advance := factory(t)

			ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			advance(1500 * time.Millisecond)
			ok, err = s.SetNX(ctx, "lock", []byte("c"), time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired key must be claimable")
		})
	}
}

func TestStorageCompareAndDelete(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := factory(t)

			require.NoError(t, s.Set(ctx, "k", []byte("token-1"), time.Minute))

			ok, err := s.CompareAndDelete(ctx, "k", []byte("token-2"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "k", []byte("token-1"))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndDelete(ctx, "k", []byte("token-1"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageCompareAndSwap(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, advance := factory(t)

			require.NoError(t, s.Set(ctx, "k", []byte("old"), time.Second))

			ok, err := s.CompareAndSwap(ctx, "k", []byte("other"), []byte("new"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndSwap(ctx, "k", []byte("old"), []byte("new"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			advance(5 * time.Second)
			got, err := s.Get(ctx, "k")
			require.NoError(t, err, "swap must apply the new ttl")
			assert.Equal(t, []byte("new"), got)

			ok, err = s.CompareAndSwap(ctx, "absent", []byte("x"), []byte("y"), 0)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageSortedIndex(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := factory(t)

			require.NoError(t, s.ZAdd(ctx, "idx", "c", 30))
			require.NoError(t, s.ZAdd(ctx, "idx", "a", 10))
			require.NoError(t, s.ZAdd(ctx, "idx", "b", 20))
			require.NoError(t, s.ZAdd(ctx, "idx", "d", 40))

			members, err := s.ZRangeByScore(ctx, "idx", math.Inf(-1), 30, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, members)

			members, err = s.ZRangeByScore(ctx, "idx", 15, math.Inf(1), 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, members)

			score, ok, err := s.ZScore(ctx, "idx", "d")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, float64(40), score)

			require.NoError(t, s.ZAdd(ctx, "idx", "a", 50))
			require.NoError(t, s.ZRem(ctx, "idx", "b", "missing"))

			members, err = s.ZRangeByScore(ctx, "idx", 0, 100, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "d", "a"}, members)

			_, ok, err = s.ZScore(ctx, "idx", "b")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageAppendAndRange(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, advance := factory(t)

			require.NoError(t, s.Append(ctx, "history", time.Minute, []byte("1"), []byte("2")))
			require.NoError(t, s.Append(ctx, "history", time.Minute, []byte("3")))

			all, err := s.Range(ctx, "history", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, all)

			tail, err := s.Range(ctx, "history", -1, -1)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("3")}, tail)

			advance(2 * time.Minute)
			all, err = s.Range(ctx, "history", 0, -1)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStorageNamespacesDoNotCollide(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := factory(t)

			require.NoError(t, s.Set(ctx, "shared", []byte("kv"), 0))
			require.NoError(t, s.ZAdd(ctx, "shared", "m", 1))
			require.NoError(t, s.Append(ctx, "shared", 0, []byte("l")))

			v, err := s.Get(ctx, "shared")
			require.NoError(t, err)
			assert.Equal(t, []byte("kv"), v)
		})
	}
}

func TestStorageSetNXIsExclusiveUnderContention(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := factory(t)

			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.SetNX(ctx, "contended", []byte("x"), time.Minute)
					if err == nil && ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestMemoryStorageClosed(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsUnavailable(s.Ping(context.Background())))
}

func TestRedisStorageUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(&RedisConfig{
		Addr:             mr.Addr(),
		OperationTimeout: 200 * time.Millisecond,
		DialTimeout:      100 * time.Millisecond,
		MaxRetries:       -1,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()

	_, err = s.Get(context.Background(), "k")
	assert.True(t, IsUnavailable(err), "got %v", err)

	_, err = s.SetNX(context.Background(), "k", []byte("v"), time.Second)
	assert.True(t, IsUnavailable(err))

	assert.True(t, IsUnavailable(s.Ping(context.Background())))
}

func TestRedisStorageUsesKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(&RedisConfig{Addr: mr.Addr(), KeyPrefix: "tenant-a:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("tenant-a:kv:k"))
	assert.InDelta(t, time.Minute.Seconds(), mr.TTL("tenant-a:kv:k").Seconds(), 1)
}

func TestExpiryIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := memoryBackend(t)
	x := NewExpiryIndex(s)
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, x.Track(ctx, "t1", "idem:a", base.Add(time.Second)))
	require.NoError(t, x.Track(ctx, "t2", "idem:b", base.Add(2*time.Second)))
	require.NoError(t, x.Track(ctx, "t1", "saga:c", base.Add(time.Hour)))

	due, err := x.Due(ctx, "", base.Add(3*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"idem:a", "idem:b"}, due)

	due, err = x.Due(ctx, "t1", base.Add(3*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"idem:a"}, due)

	score, ok, err := s.ZScore(ctx, IndexName(""), "saga:c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(base.Add(time.Hour).UnixMilli()), score)

	require.NoError(t, x.Untrack(ctx, "t1", "idem:a"))
	due, err = x.Due(ctx, "t1", base.Add(3*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestOpenBackends(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(context.Background(), Config{
		Backend:         BackendRedis,
		Redis:           RedisConfig{Addr: mr.Addr()},
		ConnectAttempts: 2,
	})
	require.NoError(t, err)
	assert.IsType(t, &RedisStorage{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Config{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenLogsRedactedRedisConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")
	core, logs := observer.New(zapcore.InfoLevel)

	s, err := Open(context.Background(), Config{
		Backend:         BackendRedis,
		Redis:           RedisConfig{Addr: mr.Addr(), Password: "s3cret"},
		ConnectAttempts: 1,
	}, WithOpenLogger(zap.New(core)))
	require.NoError(t, err)
	defer s.Close()

	entries := logs.FilterMessage("opening storage").All()
	require.Len(t, entries, 1)
	logged, ok := entries[0].ContextMap()["redis"].(RedisConfig)
	require.True(t, ok)
	assert.Equal(t, mr.Addr(), logged.Addr)
	assert.Equal(t, "***REDACTED***", logged.Password)
	assert.NotContains(t, entries[0].Message, "s3cret")
}
