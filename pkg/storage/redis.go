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
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[2])
	end
	return 1
end
return 0
`)
)

// Key namespaces inside the configured prefix. Indexes and lists are kept
// apart from plain keys so callers can reuse names freely.
const (
	kvNamespace    = "kv:"
	indexNamespace = "idx:"
	listNamespace  = "list:"
)

// RedisStorage implements Storage on top of Redis. Every call is bounded by
// RedisConfig.OperationTimeout and transport failures surface as ErrUnavailable.
type RedisStorage struct {
	conn    *RedisConnection
	prefix  string
	timeout time.Duration
}

// NewRedisStorage builds a RedisStorage from config.
func NewRedisStorage(config *RedisConfig) (*RedisStorage, error) {
	conn, err := NewRedisConnection(config)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageWithConnection(conn), nil
}

// NewRedisStorageWithConnection wraps an existing connection.
func NewRedisStorageWithConnection(conn *RedisConnection) *RedisStorage {
	cfg := conn.Config()
	return &RedisStorage{
		conn:    conn,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.OperationTimeout,
	}
}

func (s *RedisStorage) kv(key string) string { return s.prefix + kvNamespace + key }
func (s *RedisStorage) index(name string) string { return s.prefix + indexNamespace + name }
func (s *RedisStorage) list(name string) string { return s.prefix + listNamespace + name }

func (s *RedisStorage) client(ctx context.Context, op string) (RedisClient, context.Context, context.CancelFunc, error) {
	c, err := s.conn.Client()
	if err != nil {
		return nil, nil, nil, &UnavailableError{Op: op, Err: err}
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return c, opCtx, cancel, nil
}

// classify maps go-redis errors onto the storage error contract. Server
// replies such as WRONGTYPE are programming errors, everything else is
// treated as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) && !isTransientReply(replyErr) {
		return fmt.Errorf("storage %s: %w", op, err)
	}
	return &UnavailableError{Op: op, Err: err}
}

func isTransientReply(err redis.Error) bool {
	msg := err.Error()
	for _, p := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"} {
		if len(msg) >= len(p) && msg[:len(p)] == p {
			return true
		}
	}
	return false
}

func ttlOrZero(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// Get implements Storage.
func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	c, ctx, cancel, err := s.client(ctx, "get")
	if err != nil {
		return nil, err
	}
	defer cancel()

	b, err := c.Get(ctx, s.kv(key)).Bytes()
	if err != nil {
		return nil, classify("get", err)
	}
	return b, nil
}

// Set implements Storage.
func (s *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	c, ctx, cancel, err := s.client(ctx, "set")
	if err != nil {
		return err
	}
	defer cancel()

	return classify("set", c.Set(ctx, s.kv(key), value, ttlOrZero(ttl)).Err())
}

// SetNX implements Storage using SET NX PX.
func (s *RedisStorage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	c, ctx, cancel, err := s.client(ctx, "setnx")
	if err != nil {
		return false, err
	}
	defer cancel()

	ok, err := c.SetNX(ctx, s.kv(key), value, ttlOrZero(ttl)).Result()
	if err != nil {
		return false, classify("setnx", err)
	}
	return ok, nil
}

// Delete implements Storage. Keys are deleted one command each so the call
// also works against a cluster where keys hash to different slots.
func (s *RedisStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, ctx, cancel, err := s.client(ctx, "delete")
	if err != nil {
		return err
	}
	defer cancel()

	_, err = c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Del(ctx, s.kv(k))
		}
		return nil
	})
	return classify("delete", err)
}

// CompareAndDelete implements Storage with a Lua script.
func (s *RedisStorage) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	c, ctx, cancel, err := s.client(ctx, "compare_and_delete")
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := compareAndDeleteScript.Run(ctx, c, []string{s.kv(key)}, expected).Int64()
	if err != nil {
		return false, classify("compare_and_delete", err)
	}
	return n == 1, nil
}

// CompareAndSwap implements Storage with a Lua script.
func (s *RedisStorage) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	c, ctx, cancel, err := s.client(ctx, "compare_and_swap")
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := compareAndSwapScript.Run(ctx, c, []string{s.kv(key)},
		expected, value, ttlOrZero(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, classify("compare_and_swap", err)
	}
	return n == 1, nil
}

// ZAdd implements Storage.
func (s *RedisStorage) ZAdd(ctx context.Context, index, member string, score float64) error {
	if index == "" || member == "" {
		return ErrInvalidKey
	}
	c, ctx, cancel, err := s.client(ctx, "zadd")
	if err != nil {
		return err
	}
	defer cancel()

	return classify("zadd", c.ZAdd(ctx, s.index(index), redis.Z{Score: score, Member: member}).Err())
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// ZRangeByScore implements Storage.
func (s *RedisStorage) ZRangeByScore(ctx context.Context, index string, min, max float64, limit int) ([]string, error) {
	c, ctx, cancel, err := s.client(ctx, "zrangebyscore")
	if err != nil {
		return nil, err
	}
	defer cancel()

	by := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := c.ZRangeByScore(ctx, s.index(index), by).Result()
	if err != nil {
		return nil, classify("zrangebyscore", err)
	}
	return members, nil
}

// ZScore implements Storage.
func (s *RedisStorage) ZScore(ctx context.Context, index, member string) (float64, bool, error) {
	c, ctx, cancel, err := s.client(ctx, "zscore")
	if err != nil {
		return 0, false, err
	}
	defer cancel()

	score, err := c.ZScore(ctx, s.index(index), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("zscore", err)
	}
	return score, true, nil
}

// ZRem implements Storage.
func (s *RedisStorage) ZRem(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c, ctx, cancel, err := s.client(ctx, "zrem")
	if err != nil {
		return err
	}
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("zrem", c.ZRem(ctx, s.index(index), args...).Err())
}

// Append implements Storage. RPUSH and PEXPIRE run in one MULTI block.
func (s *RedisStorage) Append(ctx context.Context, list string, ttl time.Duration, values ...[]byte) error {
	if list == "" {
		return ErrInvalidKey
	}
	if len(values) == 0 {
		return nil
	}
	c, ctx, cancel, err := s.client(ctx, "append")
	if err != nil {
		return err
	}
	defer cancel()

	key := s.list(list)
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, args...)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		} else {
			p.Persist(ctx, key)
		}
		return nil
	})
	return classify("append", err)
}

// Range implements Storage.
func (s *RedisStorage) Range(ctx context.Context, list string, start, stop int64) ([][]byte, error) {
	c, ctx, cancel, err := s.client(ctx, "range")
	if err != nil {
		return nil, err
	}
	defer cancel()

	items, err := c.LRange(ctx, s.list(list), start, stop).Result()
	if err != nil {
		return nil, classify("range", err)
	}
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = []byte(it)
	}
	return out, nil
}

// Ping implements Storage.
func (s *RedisStorage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// Close implements Storage.
func (s *RedisStorage) Close() error {
	return s.conn.Close()
}
