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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one step. Handlers must be safe to retry: a step found
// running after a crash is executed again.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Compensation undoes a completed step. It receives the step payload and
// the result the handler returned.
type Compensation interface {
	Compensate(ctx context.Context, payload, result json.RawMessage) error
}

// CompensationFunc adapts a function to Compensation.
type CompensationFunc func(ctx context.Context, payload, result json.RawMessage) error

// Compensate implements Compensation.
func (f CompensationFunc) Compensate(ctx context.Context, payload, result json.RawMessage) error {
	return f(ctx, payload, result)
}

// Registry maps names to handlers and compensations. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[string]Handler
	compensations map[string]Compensation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:      make(map[string]Handler),
		compensations: make(map[string]Compensation),
	}
}

// RegisterHandler adds a named handler.
func (r *Registry) RegisterHandler(name string, h Handler) error {
	if name == "" || h == nil {
		return &ValidationError{Field: "handler", Reason: "name and handler are required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: handler %q", ErrDuplicateRegistration, name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterCompensation adds a named compensation.
func (r *Registry) RegisterCompensation(name string, c Compensation) error {
	if name == "" || c == nil {
		return &ValidationError{Field: "compensation", Reason: "name and compensation are required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compensations[name]; exists {
		return fmt.Errorf("%w: compensation %q", ErrDuplicateRegistration, name)
	}
	r.compensations[name] = c
	return nil
}

// Handler looks up a handler.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Compensation looks up a compensation.
func (r *Registry) Compensation(name string) (Compensation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compensations[name]
	return c, ok
}

// HandlerNames returns registered handler names, sorted.
func (r *Registry) HandlerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
