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
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
)

const defaultDebounce = 250 * time.Millisecond

// ErrMonitorRunning is returned by Start when the monitor is already watching.
var ErrMonitorRunning = errors.New("config monitor already running")

// Change is the outcome of one reload triggered by a file event.
type Change struct {
	// File is the path whose event triggered the reload.
	File string
	// Layer names the source the file belongs to: base, explicit, override
	// or the environment name.
	Layer string
	// Settings holds the effective settings after the reload. It is nil when
	// Err is set.
	Settings map[string]interface{}
	// Changed counts leaf settings that differ from the previous snapshot.
	Changed int
	Err     error
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithDebounce sets how long the monitor waits for file events to settle
// before reloading.
func WithDebounce(d time.Duration) MonitorOption {
	return func(w *Monitor) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(w *Monitor) { w.logger = l }
}

// WithMonitorMetrics reports reload outcomes to c.
func WithMonitorMetrics(c metrics.Collector) MonitorOption {
	return func(w *Monitor) { w.metrics = metrics.OrNoop(c) }
}

// Monitor watches the files a Manager reads and reloads it when they change.
// Reload outcomes are published on Events.
type Monitor struct {
	manager  *Manager
	debounce time.Duration
	logger   *zap.Logger
	metrics  metrics.Collector
	events   chan Change

	mu       sync.Mutex
	previous map[string]interface{}
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a monitor for m. Call Start to begin watching.
func NewMonitor(m *Manager, opts ...MonitorOption) *Monitor {
	w := &Monitor{
		manager:  m,
		debounce: defaultDebounce,
		metrics:  metrics.NoopCollector{},
		events:   make(chan Change, 8),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.GetLogger()
	}
	w.previous = m.AllSettings()
	return w
}

// Events delivers one Change per reload. Changes are dropped when the
// consumer falls behind.
func (w *Monitor) Events() <-chan Change { return w.events }

// Start watches the directories holding the manager's files until ctx is
// done or Stop is called. Directories are watched rather than files so files
// created later and editors that replace files are seen.
func (w *Monitor) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return ErrMonitorRunning
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range w.manager.Paths() {
		p = filepath.Clean(p)
		files[p] = struct{}{}
		dir := filepath.Dir(p)
		if _, ok := dirs[dir]; ok {
			continue
		}
		dirs[dir] = struct{}{}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	w.previous = w.manager.AllSettings()
	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel, w.done = fsw, cancel, make(chan struct{})
	go w.watch(watchCtx, fsw, files, w.done)

	w.logger.Info("watching configuration files", zap.Int("files", len(files)), zap.Int("directories", len(dirs)))
	return nil
}

// Stop ends watching and waits for the watch loop to exit.
func (w *Monitor) Stop() error {
	w.mu.Lock()
	fsw, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	cancel()
	<-done
	return fsw.Close()
}

func (w *Monitor) watch(ctx context.Context, fsw *fsnotify.Watcher, files map[string]struct{}, done chan struct{}) {
	defer close(done)

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := ""

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if _, watched := files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			pending = event.Name
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounce)
		case <-debounce.C:
			if pending == "" {
				continue
			}
			change := w.Reload(pending)
			pending = ""
			select {
			case w.events <- change:
			default:
				w.logger.Warn("dropping configuration change, consumer is behind", zap.String("file", change.File))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("configuration watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the configuration as if file had changed and returns the
// outcome. A failed reload keeps the previous settings.
func (w *Monitor) Reload(file string) Change {
	change := Change{File: file, Layer: w.manager.layerOf(file)}
	if err := w.manager.Load(); err != nil {
		change.Err = err
		w.metrics.IncrementCounter(metrics.ConfigReloads, map[string]string{"result": "error", "layer": change.Layer})
		w.logger.Warn("configuration reload failed, keeping previous settings",
			zap.String("file", file), zap.Error(err))
		return change
	}

	current := w.manager.AllSettings()
	w.mu.Lock()
	change.Changed = countChanges(w.previous, current)
	w.previous = current
	w.mu.Unlock()
	change.Settings = current

	w.metrics.IncrementCounter(metrics.ConfigReloads, map[string]string{"result": "ok", "layer": change.Layer})
	w.metrics.ObserveHistogram(metrics.ConfigChangedItems, float64(change.Changed), nil)
	w.logger.Info("configuration reloaded",
		zap.String("file", file), zap.String("layer", change.Layer), zap.Int("changed", change.Changed))
	return change
}

// layerOf names the source path belongs to, or "other".
func (m *Manager) layerOf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, src := range m.sources() {
		p, err := filepath.Abs(src.path)
		if err != nil {
			p = filepath.Clean(src.path)
		}
		if p == abs {
			return src.name
		}
	}
	return "other"
}

// countChanges returns how many leaf settings differ between a and b.
func countChanges(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if !aok || !bok {
		if reflect.DeepEqual(a, b) {
			return 0
		}
		return 1
	}
	keys := make(map[string]struct{}, len(am)+len(bm))
	for k := range am {
		keys[k] = struct{}{}
	}
	for k := range bm {
		keys[k] = struct{}{}
	}
	n := 0
	for k := range keys {
		n += countChanges(am[k], bm[k])
	}
	return n
}
