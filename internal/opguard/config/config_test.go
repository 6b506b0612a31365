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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgconfig "github.com/innovationmech/opguard/pkg/config"
	"github.com/innovationmech/opguard/pkg/config/testutil"
	"github.com/innovationmech/opguard/pkg/storage"
)

func options(dir string) pkgconfig.Options {
	opts := pkgconfig.DefaultOptions()
	opts.WorkDir = dir
	return opts
}

func TestLoadDefaults(t *testing.T) {
	box := testutil.NewSandbox(t)

	cfg, files, err := Load(options(box.Dir))
	require.NoError(t, err)
	assert.Empty(t, files)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.InProgressTTL)
	assert.Equal(t, "Idempotency-Key", cfg.Idempotency.HeaderName)
	assert.Equal(t, []string{"/health", "/metrics"}, cfg.Idempotency.ExemptPaths)
	assert.Equal(t, 7*24*time.Hour, cfg.Saga.Retention)
	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, 100, cfg.Cleanup.BatchSize)
	assert.True(t, cfg.Throttle.Enabled)
	assert.Equal(t, 200, cfg.Throttle.Burst)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.NotEmpty(t, cfg.Metrics.DurationBuckets)
	assert.True(t, cfg.Reload.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Reload.Debounce)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, "opguard", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Empty(t, cfg.Tracing.SentryDSN)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteYAML("opguard.yaml", map[string]any{
		"storage": map[string]any{
			"backend": "redis",
			"redis":   map[string]any{"addr": "redis:6379", "operation_timeout": "500ms"},
		},
		"saga":    map[string]any{"retention": "48h"},
		"logging": map[string]any{"level": "debug"},
	})
	box.SetEnv("OPGUARD_IDEMPOTENCY_TTL", "2h")
	box.SetEnv("OPGUARD_STORAGE_REDIS_KEY_PREFIX", "tenant-x:")

	cfg, files, err := Load(options(box.Dir))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	assert.Equal(t, storage.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Storage.Redis.OperationTimeout)
	assert.Equal(t, "tenant-x:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 48*time.Hour, cfg.Saga.Retention)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "storage: { backend: etcd }"},
		{"bad log level", "logging: { level: loud }"},
		{"zero ttl", "idempotency: { ttl: 0s }"},
		{"bad address", "server: { address: nowhere }"},
		{"short saga lock", "saga: { lock_ttl: 1s }"},
		{"jitter above one", "saga: { backoff_jitter: 1.5 }"},
		{"redis without address", "storage: { backend: redis, redis: { addr: '' } }"},
		{"backoff max below initial", "saga: { backoff_initial: 2s, backoff_max: 1s }"},
		{"throttle without rate", "throttle: { enabled: true, rate: 0 }"},
		{"unknown exporter", "tracing: { exporter: zipkin }"},
		{"otlp without endpoint", "tracing: { exporter: otlp }"},
		{"sample ratio above one", "tracing: { sample_ratio: 2 }"},
		{"zero in-progress ttl", "idempotency: { in_progress_ttl: 0s }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := testutil.NewSandbox(t)
			box.WriteFile("opguard.yaml", tt.yaml)
			_, _, err := Load(options(box.Dir))
			assert.Error(t, err)
		})
	}
}
