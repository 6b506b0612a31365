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
	"bytes"
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShardCount = 32

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// memoryShard guards a slice of the keyspace. Compare-and-set operations on a
// key only contend with keys hashed to the same shard.
type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryList struct {
	items     [][]byte
	expiresAt time.Time
}

// MemoryStorage is an in-process Storage. It is safe for concurrent use but
// offers no guarantees across processes.
type MemoryStorage struct {
	shards []*memoryShard

	// mu protects indexes and lists.
	mu      sync.RWMutex
	indexes map[string]map[string]float64
	lists   map[string]*memoryList

	now    func() time.Time
	closed atomic.Bool
}

// MemoryOption customises a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// WithShardCount sets the number of keyspace shards.
func WithShardCount(n int) MemoryOption {
	return func(s *MemoryStorage) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shards:  newShards(defaultShardCount),
		indexes: make(map[string]map[string]float64),
		lists:   make(map[string]*memoryList),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*memoryShard {
	shards := make([]*memoryShard, n)
	for i := range shards {
		shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return shards
}

func (s *MemoryStorage) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStorage) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStorage) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return &UnavailableError{Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get implements Storage.
func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(ctx, "get"); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.now()) {
		delete(sh.entries, key)
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

// Set implements Storage.
func (s *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.check(ctx, "set"); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: s.expiry(ttl)}
	sh.mu.Unlock()
	return nil
}

// SetNX implements Storage.
func (s *MemoryStorage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	if err := s.check(ctx, "setnx"); err != nil {
		return false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok && !e.expired(s.now()) {
		return false, nil
	}
	sh.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(ctx context.Context, keys ...string) error {
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}
	return nil
}

// CompareAndDelete implements Storage.
func (s *MemoryStorage) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := s.check(ctx, "compare_and_delete"); err != nil {
		return false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(s.now()) || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(sh.entries, key)
	return true, nil
}

// CompareAndSwap implements Storage.
func (s *MemoryStorage) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "compare_and_swap"); err != nil {
		return false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(s.now()) || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	sh.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// ZAdd implements Storage.
func (s *MemoryStorage) ZAdd(ctx context.Context, index, member string, score float64) error {
	if index == "" || member == "" {
		return ErrInvalidKey
	}
	if err := s.check(ctx, "zadd"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.indexes[index]
	if !ok {
		set = make(map[string]float64)
		s.indexes[index] = set
	}
	set[member] = score
	return nil
}

// ZRangeByScore implements Storage. Ties are ordered by member, as Redis does.
func (s *MemoryStorage) ZRangeByScore(ctx context.Context, index string, min, max float64, limit int) ([]string, error) {
	if err := s.check(ctx, "zrangebyscore"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	set := s.indexes[index]
	type scored struct {
		member string
		score  float64
	}
	matches := make([]scored, 0, len(set))
	for m, sc := range set {
		if sc >= min && sc <= max {
			matches = append(matches, scored{member: m, score: sc})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].member < matches[j].member
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.member
	}
	return out, nil
}

// ZScore implements Storage.
func (s *MemoryStorage) ZScore(ctx context.Context, index, member string) (float64, bool, error) {
	if err := s.check(ctx, "zscore"); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.indexes[index][member]
	return score, ok, nil
}

// ZRem implements Storage.
func (s *MemoryStorage) ZRem(ctx context.Context, index string, members ...string) error {
	if err := s.check(ctx, "zrem"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.indexes[index]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.indexes, index)
	}
	return nil
}

// Append implements Storage.
func (s *MemoryStorage) Append(ctx context.Context, list string, ttl time.Duration, values ...[]byte) error {
	if list == "" {
		return ErrInvalidKey
	}
	if err := s.check(ctx, "append"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[list]
	if !ok || (!l.expiresAt.IsZero() && !s.now().Before(l.expiresAt)) {
		l = &memoryList{}
		s.lists[list] = l
	}
	for _, v := range values {
		l.items = append(l.items, cloneBytes(v))
	}
	l.expiresAt = s.expiry(ttl)
	return nil
}

// Range implements Storage.
func (s *MemoryStorage) Range(ctx context.Context, list string, start, stop int64) ([][]byte, error) {
	if err := s.check(ctx, "range"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[list]
	if !ok {
		return [][]byte{}, nil
	}
	if !l.expiresAt.IsZero() && !s.now().Before(l.expiresAt) {
		delete(s.lists, list)
		return [][]byte{}, nil
	}

	n := int64(len(l.items))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l.items[start : stop+1] {
		out = append(out, cloneBytes(v))
	}
	return out, nil
}

// Ping implements Storage.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// Close implements Storage. Subsequent calls fail with ErrUnavailable.
func (s *MemoryStorage) Close() error {
	s.closed.Store(true)
	return nil
}

// Len returns the number of stored keys, including expired entries that have
// not been touched since they expired.
func (s *MemoryStorage) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
