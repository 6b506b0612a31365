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
	"math"
	"math/rand"
	"time"
)

// BackoffFunc returns the delay before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns initial * multiplier^(attempt-1), capped at max,
// with equal jitter when jitter > 0: half the delay is kept and up to
// jitter of the other half is randomised.
func ExponentialBackoff(initial, max time.Duration, multiplier, jitter float64) BackoffFunc {
	if multiplier < 1 {
		multiplier = 2
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return func(attempt int) time.Duration {
		if attempt <= 0 || initial <= 0 {
			return 0
		}
		delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if max > 0 && delay > float64(max) {
			delay = float64(max)
		}
		if jitter > 0 {
			half := delay / 2
			delay = half + half*(1-jitter) + rand.Float64()*half*jitter
		}
		return time.Duration(delay)
	}
}

// ConstantBackoff waits d between every attempt.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// NoBackoff retries immediately.
func NoBackoff() BackoffFunc { return ConstantBackoff(0) }

// DefaultBackoff is used when the caller does not supply one.
func DefaultBackoff() BackoffFunc {
	return ExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 0.2)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
