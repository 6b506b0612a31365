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

// Package storage provides the key-value contract shared by the idempotency
// ledger, the distributed lock and the saga store, together with an in-memory
// backend for single-process deployments and a Redis backend for clusters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable is the sentinel for transient backend failures
	// (connection refused, timeouts, closed clients).
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrClosed indicates the storage has been closed.
	ErrClosed = errors.New("storage: closed")

	// ErrInvalidKey indicates an empty key or index name.
	ErrInvalidKey = errors.New("storage: key must not be empty")
)

// UnavailableError wraps a backend failure that callers may retry or absorb.
// errors.Is(err, ErrUnavailable) reports true for every UnavailableError.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes every UnavailableError match ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsUnavailable reports whether err is a transient backend failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Storage is the contract every backend implements. Values are opaque bytes;
// a ttl <= 0 means the entry never expires on its own.
//
// Sorted-set indexes and append-only lists live in their own namespaces and
// never collide with plain keys of the same name.
type Storage interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key only when its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndSwap replaces the value at key only when it equals expected.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// ZAdd inserts or updates member in the ordered index.
	ZAdd(ctx context.Context, index, member string, score float64) error
	// ZRangeByScore returns members with min <= score <= max in ascending order.
	// A limit <= 0 returns all matches.
	ZRangeByScore(ctx context.Context, index string, min, max float64, limit int) ([]string, error)
	// ZScore returns the score of member and whether it is present.
	ZScore(ctx context.Context, index, member string) (float64, bool, error)
	// ZRem removes members from the index.
	ZRem(ctx context.Context, index string, members ...string) error

	// Append pushes values to the tail of list and refreshes its ttl.
	Append(ctx context.Context, list string, ttl time.Duration, values ...[]byte) error
	// Range returns list elements between start and stop inclusive. Negative
	// offsets count from the tail, as with LRANGE.
	Range(ctx context.Context, list string, start, stop int64) ([][]byte, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
