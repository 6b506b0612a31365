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

// Package metrics defines the hook opguard components report through and a
// Prometheus-backed implementation of it.
package metrics

import (
	"sync"
)

// Metric names emitted by opguard components.
const (
	IdempotencyHit        = "idempotency_hit_total"
	IdempotencyMiss       = "idempotency_miss_total"
	IdempotencyDuplicate  = "idempotency_duplicate_total"
	IdempotencyFailOpen   = "idempotency_fail_open_total"
	IdempotencyRunSeconds = "idempotency_run_duration_seconds"

	SagaStepRetry          = "saga_step_retry_total"
	SagaCompensationFailed = "saga_compensation_failed_total"
	SagaFinished           = "saga_finished_total"
	SagaStepSeconds        = "saga_step_duration_seconds"

	CleanupDeleted = "cleanup_deleted_total"
	CleanupSeconds = "cleanup_duration_seconds"

	OperationFinished = "operation_finished_total"

	HTTPRequests       = "http_requests_total"
	HTTPRequestSeconds = "http_request_duration_seconds"

	ThrottleRejected = "throttle_rejected_total"

	ConfigReloads      = "config_reload_total"
	ConfigChangedItems = "config_changed_items"
)

// Collector receives counters and observations. Implementations must be safe
// for concurrent use and must never block the caller for long.
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// NoopCollector discards everything.
type NoopCollector struct{}

func (NoopCollector) IncrementCounter(string, map[string]string)          {}
func (NoopCollector) ObserveHistogram(string, float64, map[string]string) {}

// OrNoop returns c, or a NoopCollector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return NoopCollector{}
	}
	return c
}

// RecordingCollector keeps counts in memory. Tests use it to assert on emitted
// events without a Prometheus registry.
type RecordingCollector struct {
	mu           sync.Mutex
	counters     map[string]int
	observations map[string][]float64
}

// NewRecordingCollector returns an empty RecordingCollector.
func NewRecordingCollector() *RecordingCollector {
	return &RecordingCollector{
		counters:     make(map[string]int),
		observations: make(map[string][]float64),
	}
}

func (r *RecordingCollector) IncrementCounter(name string, _ map[string]string) {
	r.mu.Lock()
	r.counters[name]++
	r.mu.Unlock()
}

func (r *RecordingCollector) ObserveHistogram(name string, value float64, _ map[string]string) {
	r.mu.Lock()
	r.observations[name] = append(r.observations[name], value)
	r.mu.Unlock()
}

// Count returns how many times name was incremented.
func (r *RecordingCollector) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Observations returns the values observed for name.
func (r *RecordingCollector) Observations(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.observations[name]...)
}
