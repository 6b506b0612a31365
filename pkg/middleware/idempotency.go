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

// Package middleware holds the gin middleware opguard hosts mount in front
// of their handlers.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/idempotency"
	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
)

// IdempotencyConfig configures IdempotencyMiddleware.
type IdempotencyConfig struct {
	// HeaderName carries the client supplied key.
	HeaderName string `mapstructure:"header_name" json:"header_name"`
	// CacheHitHeader is set to "true" on replayed responses and "false" otherwise.
	CacheHitHeader string `mapstructure:"cache_hit_header" json:"cache_hit_header"`
	// TenantHeader scopes keys; requests without it use DefaultTenant.
	TenantHeader  string `mapstructure:"tenant_header" json:"tenant_header"`
	DefaultTenant string `mapstructure:"default_tenant" json:"default_tenant"`
	// ExemptPaths are matched by prefix and never guarded.
	ExemptPaths  []string      `mapstructure:"exempt_paths" json:"exempt_paths"`
	TTL          time.Duration `mapstructure:"ttl" json:"ttl"`
	RetryAfter   time.Duration `mapstructure:"retry_after" json:"retry_after"`
	MaxKeyLength int           `mapstructure:"max_key_length" json:"max_key_length"`

	Logger  *zap.Logger       `mapstructure:"-" json:"-"`
	Metrics metrics.Collector `mapstructure:"-" json:"-"`
}

// DefaultIdempotencyConfig returns the defaults.
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		HeaderName:     "Idempotency-Key",
		CacheHitHeader: "X-Idempotency-Cache-Hit",
		TenantHeader:   "X-Tenant-ID",
		DefaultTenant:  "default",
		ExemptPaths:    []string{"/health", "/metrics"},
		TTL:            24 * time.Hour,
		RetryAfter:     time.Second,
		MaxKeyLength:   255,
	}
}

func (c *IdempotencyConfig) withDefaults() *IdempotencyConfig {
	d := DefaultIdempotencyConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.HeaderName == "" {
		out.HeaderName = d.HeaderName
	}
	if out.CacheHitHeader == "" {
		out.CacheHitHeader = d.CacheHitHeader
	}
	if out.TenantHeader == "" {
		out.TenantHeader = d.TenantHeader
	}
	if out.DefaultTenant == "" {
		out.DefaultTenant = d.DefaultTenant
	}
	if out.ExemptPaths == nil {
		out.ExemptPaths = d.ExemptPaths
	}
	if out.TTL <= 0 {
		out.TTL = d.TTL
	}
	if out.RetryAfter <= 0 {
		out.RetryAfter = d.RetryAfter
	}
	if out.MaxKeyLength <= 0 {
		out.MaxKeyLength = d.MaxKeyLength
	}
	if out.Logger == nil {
		out.Logger = logger.GetLogger()
	}
	out.Metrics = metrics.OrNoop(out.Metrics)
	return &out
}

func (c *IdempotencyConfig) exempt(path string) bool {
	for _, p := range c.ExemptPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// cachedResponse is what a completed record stores for an HTTP request.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyMiddleware replays the stored response of requests that repeat
// an idempotency key. The first request with a key runs the handler; a
// response below 500 is stored, a 5xx marks the key failed so the client can
// retry. A repeat arriving while the first is still running gets 202 with
// Retry-After. When the ledger cannot be reached the request runs unguarded.
func IdempotencyMiddleware(ledger *idempotency.Ledger, config *IdempotencyConfig) gin.HandlerFunc {
	cfg := config.withDefaults()
	retryAfter := strconv.Itoa(int(math.Ceil(cfg.RetryAfter.Seconds())))

	return func(c *gin.Context) {
		header := c.GetHeader(cfg.HeaderName)
		if header == "" || cfg.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		if len(header) > cfg.MaxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("%s must be at most %d characters", cfg.HeaderName, cfg.MaxKeyLength),
			})
			return
		}

		tenant := c.GetHeader(cfg.TenantHeader)
		if tenant == "" {
			tenant = cfg.DefaultTenant
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		log := cfg.Logger.With(zap.String("route", route), zap.String("tenant_id", tenant))

		key, err := idempotency.DeriveKey(tenant, "", "http:"+c.Request.Method+" "+route,
			map[string]string{"idempotency_key": header})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		rec, claim, err := ledger.Begin(ctx, key, cfg.TTL, idempotency.ForTenant(tenant))
		switch {
		case errors.Is(err, idempotency.ErrDuplicateInFlight):
			c.Header(cfg.CacheHitHeader, "false")
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{
				"status":  string(idempotency.StatusInProgress),
				"message": "a request with this idempotency key is still being processed",
			})
			return
		case err != nil:
			log.Warn("idempotency unavailable, serving request unguarded", zap.Error(err))
			c.Header(cfg.CacheHitHeader, "false")
			cfg.Metrics.IncrementCounter(metrics.IdempotencyFailOpen, map[string]string{"stage": "middleware"})
			c.Next()
			return
		case rec != nil:
			if replay(c, cfg, rec) {
				return
			}
			log.Warn("stored response is unreadable, serving request unguarded", zap.String("key", key))
			c.Header(cfg.CacheHitHeader, "false")
			cfg.Metrics.IncrementCounter(metrics.IdempotencyFailOpen, map[string]string{"stage": "middleware"})
			c.Next()
			return
		}

		capture := &captureWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = capture
		c.Header(cfg.CacheHitHeader, "false")

		defer func() {
			if r := recover(); r != nil {
				if err := claim.Fail(context.WithoutCancel(ctx), fmt.Errorf("handler panicked: %v", r)); err != nil {
					log.Warn("failed to release idempotency key after panic", zap.Error(err))
				}
				panic(r)
			}
		}()
		c.Next()

		// The response is written; storing it must not depend on the client.
		storeCtx := context.WithoutCancel(ctx)
		status := capture.Status()
		if status >= http.StatusInternalServerError {
			if err := claim.Fail(storeCtx, fmt.Errorf("handler responded %d", status)); err != nil {
				log.Warn("failed to mark idempotency key failed", zap.Error(err))
			}
			return
		}

		raw, err := json.Marshal(cachedResponse{
			Status:      status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.body.Bytes(),
		})
		if err == nil {
			err = claim.Complete(storeCtx, raw)
		}
		if err != nil {
			log.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
}

func replay(c *gin.Context, cfg *IdempotencyConfig, rec *idempotency.Record) bool {
	var resp cachedResponse
	if err := json.Unmarshal(rec.Result, &resp); err != nil || resp.Status == 0 {
		return false
	}
	c.Header(cfg.CacheHitHeader, "true")
	if resp.ContentType != "" {
		c.Header("Content-Type", resp.ContentType)
	}
	c.Status(resp.Status)
	c.Writer.WriteHeaderNow()
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
	c.Abort()
	return true
}

// captureWriter keeps a copy of the response body.
type captureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
