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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/config/testutil"
	"github.com/innovationmech/opguard/pkg/metrics"
)

func newWatchedManager(t *testing.T, box *testutil.Sandbox) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.WorkDir = box.Dir
	opts.EnableAutomaticEnv = false
	m := NewManager(opts)
	m.SetDefaults(map[string]interface{}{
		"logging":  map[string]interface{}{"level": "info"},
		"throttle": map[string]interface{}{"rate": 100.0},
	})
	require.NoError(t, m.Load())
	return m
}

func nextChange(t *testing.T, w *Monitor) Change {
	t.Helper()
	select {
	case change := <-w.Events():
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration change observed")
		return Change{}
	}
}

func TestMonitorReloadsChangedFile(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteFile("opguard.yaml", "logging: { level: info }\n")
	m := newWatchedManager(t, box)
	rec := metrics.NewRecordingCollector()

	w := NewMonitor(m, WithDebounce(20*time.Millisecond), WithMonitorLogger(zap.NewNop()), WithMonitorMetrics(rec))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrMonitorRunning)

	box.WriteFile("opguard.yaml", "logging: { level: debug }\n")
	change := nextChange(t, w)
	require.NoError(t, change.Err)
	assert.Equal(t, filepath.Join(box.Dir, "opguard.yaml"), change.File)
	assert.Equal(t, "base", change.Layer)
	assert.Equal(t, 1, change.Changed)
	assert.Equal(t, "debug", m.Get("logging.level"))
	assert.Equal(t, 1, rec.Count(metrics.ConfigReloads))
}

func TestMonitorSeesFileCreatedLater(t *testing.T) {
	box := testutil.NewSandbox(t)
	m := newWatchedManager(t, box)

	w := NewMonitor(m, WithDebounce(20*time.Millisecond), WithMonitorLogger(zap.NewNop()))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	box.WriteFile("opguard.override.yaml", "throttle: { rate: 5 }\n")
	change := nextChange(t, w)
	require.NoError(t, change.Err)
	assert.Equal(t, "override", change.Layer)
	assert.EqualValues(t, 5, m.Get("throttle.rate"))
}

func TestMonitorKeepsSettingsOnBrokenFile(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteFile("opguard.yaml", "logging: { level: warn }\n")
	m := newWatchedManager(t, box)
	rec := metrics.NewRecordingCollector()

	w := NewMonitor(m, WithDebounce(20*time.Millisecond), WithMonitorLogger(zap.NewNop()), WithMonitorMetrics(rec))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	box.WriteFile("opguard.yaml", "logging: [unclosed\n")
	change := nextChange(t, w)
	assert.Error(t, change.Err)
	assert.Nil(t, change.Settings)
	assert.Equal(t, "warn", m.Get("logging.level"))
	assert.Equal(t, 1, rec.Count(metrics.ConfigReloads))
}

func TestMonitorIgnoresUnrelatedFiles(t *testing.T) {
	box := testutil.NewSandbox(t)
	m := newWatchedManager(t, box)

	w := NewMonitor(m, WithDebounce(10*time.Millisecond), WithMonitorLogger(zap.NewNop()))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	box.WriteFile("notes.txt", "not configuration")
	assert.Never(t, func() bool { return len(w.Events()) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	box := testutil.NewSandbox(t)
	w := NewMonitor(newWatchedManager(t, box), WithMonitorLogger(zap.NewNop()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start(context.Background()), "a stopped monitor can be started again")
	require.NoError(t, w.Stop())
}

func TestReloadDropsRemovedKeys(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteFile("opguard.yaml", "logging: { level: error }\nextra: { key: value }\n")
	m := newWatchedManager(t, box)
	require.Equal(t, "value", m.Get("extra.key"))

	box.WriteFile("opguard.yaml", "logging: { level: error }\n")
	change := NewMonitor(m, WithMonitorLogger(zap.NewNop())).Reload(filepath.Join(box.Dir, "opguard.yaml"))
	require.NoError(t, change.Err)
	assert.Nil(t, m.Get("extra.key"))
	assert.Equal(t, "error", m.Get("logging.level"), "defaults and files survive the rebuild")
	assert.Equal(t, 1, change.Changed)
}

func TestCountChanges(t *testing.T) {
	a := map[string]interface{}{
		"server":  map[string]interface{}{"address": ":8080", "mode": "release"},
		"logging": map[string]interface{}{"level": "info"},
	}
	b := map[string]interface{}{
		"server":  map[string]interface{}{"address": ":9090", "mode": "release"},
		"logging": map[string]interface{}{"level": "info"},
		"extra":   "new",
	}
	assert.Equal(t, 0, countChanges(a, a))
	assert.Equal(t, 2, countChanges(a, b))
	assert.Equal(t, 1, countChanges(nil, map[string]interface{}{}))
}
