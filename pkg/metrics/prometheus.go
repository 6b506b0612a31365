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

package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/logger"
)

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	Enabled         bool      `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint        string    `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	Namespace       string    `mapstructure:"namespace" json:"namespace" yaml:"namespace"`
	DurationBuckets []float64 `mapstructure:"duration_buckets" json:"duration_buckets" yaml:"duration_buckets"`
	// RuntimeMetrics also registers the Go runtime and process collectors.
	RuntimeMetrics bool `mapstructure:"runtime_metrics" json:"runtime_metrics" yaml:"runtime_metrics"`
}

// DefaultPrometheusConfig returns a default Prometheus configuration.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:         true,
		Endpoint:        "/metrics",
		Namespace:       "opguard",
		DurationBuckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		RuntimeMetrics:  true,
	}
}

// PrometheusCollector implements Collector with vectors created on first use
// and registered on a private registry.
type PrometheusCollector struct {
	config     *PrometheusConfig
	registry   *prometheus.Registry
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector(config *PrometheusConfig) *PrometheusCollector {
	if config == nil {
		config = DefaultPrometheusConfig()
	}
	if len(config.DurationBuckets) == 0 {
		config.DurationBuckets = DefaultPrometheusConfig().DurationBuckets
	}

	registry := prometheus.NewRegistry()
	if config.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &PrometheusCollector{
		config:     config,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
}

// IncrementCounter implements Collector.
func (p *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	p.safe(func() error {
		vec, names, err := p.counter(name, labels)
		if err != nil {
			return err
		}
		vec.WithLabelValues(labelValues(names, labels)...).Inc()
		return nil
	})
}

// ObserveHistogram implements Collector.
func (p *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	p.safe(func() error {
		vec, names, err := p.histogram(name, labels)
		if err != nil {
			return err
		}
		vec.WithLabelValues(labelValues(names, labels)...).Observe(value)
		return nil
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) counter(name string, labels map[string]string) (*prometheus.CounterVec, []string, error) {
	p.mu.RLock()
	vec, ok := p.counters[name]
	names := p.labelNames[name]
	p.mu.RUnlock()
	if ok {
		return vec, names, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[name]; ok {
		return vec, p.labelNames[name], nil
	}

	names = sortedLabelNames(labels)
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.config.Namespace,
		Name:      sanitizeMetricName(name),
		Help:      fmt.Sprintf("Counter %s", name),
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, nil, fmt.Errorf("failed to register counter %s: %w", name, err)
	}
	p.counters[name] = vec
	p.labelNames[name] = names
	return vec, names, nil
}

func (p *PrometheusCollector) histogram(name string, labels map[string]string) (*prometheus.HistogramVec, []string, error) {
	p.mu.RLock()
	vec, ok := p.histograms[name]
	names := p.labelNames[name]
	p.mu.RUnlock()
	if ok {
		return vec, names, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[name]; ok {
		return vec, p.labelNames[name], nil
	}

	names = sortedLabelNames(labels)
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.config.Namespace,
		Name:      sanitizeMetricName(name),
		Help:      fmt.Sprintf("Histogram %s", name),
		Buckets:   p.config.DurationBuckets,
	}, names)
	if err := p.registry.Register(vec); err != nil {
		return nil, nil, fmt.Errorf("failed to register histogram %s: %w", name, err)
	}
	p.histograms[name] = vec
	p.labelNames[name] = names
	return vec, names, nil
}

func sortedLabelNames(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// labelValues orders values by the names a vector was registered with. Labels
// missing from this call are reported as empty strings; extra ones are dropped.
func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = labels[name]
	}
	return values
}

func sanitizeMetricName(name string) string {
	sanitized := strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	if len(sanitized) > 0 && sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "metric_" + sanitized
	}
	return sanitized
}

func (p *PrometheusCollector) safe(operation func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("prometheus metric operation panicked", zap.Any("panic", r))
		}
	}()
	if err := operation(); err != nil {
		logger.GetLogger().Debug("prometheus metric operation failed", zap.Error(err))
	}
}
