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
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/innovationmech/opguard/pkg/metrics"
)

// HTTPMetricsConfig configures HTTPMetrics.
type HTTPMetricsConfig struct {
	// ExcludePaths contains paths to exclude from metrics (e.g., health checks)
	ExcludePaths []string
	ServiceName  string
}

// DefaultHTTPMetricsConfig returns the defaults.
func DefaultHTTPMetricsConfig() *HTTPMetricsConfig {
	return &HTTPMetricsConfig{
		ExcludePaths: []string{"/health", "/metrics"},
		ServiceName:  "opguard",
	}
}

// HTTPMetrics counts requests and observes their latency. Routes are
// labelled by their gin pattern; requests matching no route share the label
// "/other" to keep cardinality bounded.
func HTTPMetrics(collector metrics.Collector, config *HTTPMetricsConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultHTTPMetricsConfig()
	}
	collector = metrics.OrNoop(collector)

	return func(c *gin.Context) {
		for _, p := range config.ExcludePaths {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "/other"
		}
		labels := map[string]string{
			"service":  config.ServiceName,
			"method":   c.Request.Method,
			"endpoint": endpoint,
		}
		collector.ObserveHistogram(metrics.HTTPRequestSeconds, time.Since(start).Seconds(), labels)
		collector.IncrementCounter(metrics.HTTPRequests, map[string]string{
			"service":  config.ServiceName,
			"method":   c.Request.Method,
			"endpoint": endpoint,
			"status":   strconv.Itoa(c.Writer.Status()),
		})
	}
}
