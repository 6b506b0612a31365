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

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
)

// ThrottleConfig configures the per-tenant token bucket throttle.
type ThrottleConfig struct {
	// Rate is the sustained number of requests per second per tenant.
	Rate float64 `mapstructure:"rate" json:"rate"`
	// Burst is the bucket capacity.
	Burst int `mapstructure:"burst" json:"burst"`
	// TenantHeader identifies the tenant. Requests without it are keyed by
	// client IP.
	TenantHeader string `mapstructure:"tenant_header" json:"tenant_header"`
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration `mapstructure:"idle_ttl" json:"idle_ttl"`
	// ExemptPaths are passed through unthrottled (prefix match).
	ExemptPaths []string `mapstructure:"exempt_paths" json:"exempt_paths"`

	Logger  *zap.Logger       `mapstructure:"-" json:"-"`
	Metrics metrics.Collector `mapstructure:"-" json:"-"`
	// Clock is used by tests.
	Clock func() time.Time `mapstructure:"-" json:"-"`
}

// DefaultThrottleConfig allows 100 req/s per tenant with bursts of 200.
func DefaultThrottleConfig() *ThrottleConfig {
	return &ThrottleConfig{
		Rate:         100,
		Burst:        200,
		TenantHeader: "X-Tenant-ID",
		IdleTTL:      10 * time.Minute,
		ExemptPaths:  []string{"/health", "/metrics"},
	}
}

// Validate checks the limiter parameters.
func (c *ThrottleConfig) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("throttle rate must be positive, got %g", c.Rate)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("throttle burst must be positive, got %d", c.Burst)
	}
	return nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per tenant. Idle buckets are swept lazily
// from the request path, so there is no background goroutine to stop.
type Throttle struct {
	cfg ThrottleConfig
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewThrottle validates config and returns a Throttle.
func NewThrottle(config *ThrottleConfig) (*Throttle, error) {
	cfg := *DefaultThrottleConfig()
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultThrottleConfig().IdleTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	cfg.Metrics = metrics.OrNoop(cfg.Metrics)
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Throttle{cfg: cfg, now: now, buckets: make(map[string]*bucket), lastSweep: now()}, nil
}

// Allow takes a token for key. When the bucket is empty it returns false and
// the time until a token is available.
func (t *Throttle) Allow(key string) (bool, time.Duration) {
	now := t.now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) >= t.cfg.IdleTTL {
		t.sweepLocked(now)
	}
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(t.cfg.Rate), t.cfg.Burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, t.cfg.IdleTTL
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// SetLimit changes the rate and burst of every bucket, existing ones
// included.
func (t *Throttle) SetLimit(ratePerSecond float64, burst int) error {
	next := ThrottleConfig{Rate: ratePerSecond, Burst: burst}
	if err := next.Validate(); err != nil {
		return err
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Rate, t.cfg.Burst = ratePerSecond, burst
	for _, b := range t.buckets {
		b.limiter.SetLimitAt(now, rate.Limit(ratePerSecond))
		b.limiter.SetBurstAt(now, burst)
	}
	return nil
}

// Sweep drops buckets unused for longer than IdleTTL and returns how many
// remain.
func (t *Throttle) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.buckets)
}

func (t *Throttle) sweepLocked(now time.Time) {
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) > t.cfg.IdleTTL {
			delete(t.buckets, key)
		}
	}
	t.lastSweep = now
}

// Handler returns the gin middleware. Rejected requests get 429 with a
// Retry-After header in whole seconds.
func (t *Throttle) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range t.cfg.ExemptPaths {
			if p != "" && strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		key := c.GetHeader(t.cfg.TenantHeader)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		ok, wait := t.Allow(key)
		if ok {
			c.Next()
			return
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "/other"
		}
		t.cfg.Metrics.IncrementCounter(metrics.ThrottleRejected, map[string]string{"endpoint": endpoint})
		t.cfg.Logger.Debug("request throttled", zap.String("key", key), zap.Duration("retry_after", wait))

		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
