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
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/lock"
	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/storage"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	defaultLockTTL   = time.Minute
)

// Orchestrator creates and drives sagas. Any number of orchestrators may
// share a storage backend; a per-saga lock ensures one drives a saga at a time.
type Orchestrator struct {
	store     *Store
	registry  *Registry
	locker    *lock.Locker
	validate  *validator.Validate
	backoff   BackoffFunc
	retention time.Duration
	lockTTL   time.Duration
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger
	metrics   metrics.Collector
	tracer    trace.Tracer
	reporters []FailureReporter
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithBackoff sets the delay between step retries.
func WithBackoff(b BackoffFunc) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithRetention sets how long a saga is kept after its last transition.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithLockTTL sets the lease of the execution lock. It is renewed in the
// background while a saga executes.
func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how the orchestrator waits between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = log }
}

// WithMetrics sets the metrics hook.
func WithMetrics(c metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoop(c) }
}

// WithLocker shares a Locker with other components.
func WithLocker(l *lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// NewOrchestrator returns an orchestrator persisting to s and dispatching
// through registry.
func NewOrchestrator(s storage.Storage, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		backoff:   DefaultBackoff(),
		retention: defaultRetention,
		lockTTL:   defaultLockTTL,
		now:       time.Now,
		sleep:     sleepContext,
		metrics:   metrics.NoopCollector{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger()
	}
	if o.tracer == nil {
		o.tracer = defaultTracer()
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.locker == nil {
		o.locker = lock.NewLocker(s, lock.WithClock(o.now), lock.WithLogger(o.logger))
	}
	o.store = NewStore(s, o.now)
	return o
}

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Create validates defs and persists a pending saga. Nothing is written when
// validation fails.
func (o *Orchestrator) Create(ctx context.Context, tenantID string, defs []StepDefinition) (*Report, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if len(defs) == 0 {
		return nil, &ValidationError{Field: "steps", Reason: "at least one step is required"}
	}

	now := o.now()
	wf := &Workflow{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(o.retention),
	}

	steps := make([]*Step, len(defs))
	for i, def := range defs {
		if err := o.validateDefinition(i, def); err != nil {
			return nil, err
		}
		var payload json.RawMessage
		if def.Payload != nil {
			raw, err := json.Marshal(def.Payload)
			if err != nil {
				return nil, &ValidationError{Field: fmt.Sprintf("steps[%d].payload", i), Reason: err.Error(), Err: err}
			}
			payload = raw
		}
		steps[i] = &Step{
			ID:           uuid.NewString(),
			SagaID:       wf.ID,
			Index:        i,
			Name:         def.Name,
			Handler:      def.Handler,
			Compensation: def.Compensation,
			Status:       StepPending,
			MaxRetries:   def.MaxRetries,
			Payload:      payload,
			UpdatedAt:    now,
		}
		wf.StepIDs = append(wf.StepIDs, steps[i].ID)
	}

	for _, step := range steps {
		if err := o.store.SaveStep(ctx, wf, step); err != nil {
			return nil, err
		}
	}
	if err := o.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	o.appendHistory(ctx, wf, HistoryEntry{At: now, Event: "created", To: string(StatusPending),
		Detail: fmt.Sprintf("%d steps", len(steps))})

	o.logger.Info("saga created",
		zap.String("saga_id", wf.ID), zap.String("tenant_id", tenantID), zap.Int("steps", len(steps)))
	return &Report{Workflow: wf, Steps: steps}, nil
}

func (o *Orchestrator) validateDefinition(i int, def StepDefinition) error {
	if err := o.validate.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{
				Field:  fmt.Sprintf("steps[%d].%s", i, fe.Field()),
				Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
				Err:    err,
			}
		}
		return &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Reason: err.Error(), Err: err}
	}
	if _, ok := o.registry.Handler(def.Handler); !ok {
		return &ValidationError{
			Field:  fmt.Sprintf("steps[%d].handler", i),
			Reason: fmt.Sprintf("%q is not registered", def.Handler),
			Err:    ErrHandlerNotFound,
		}
	}
	if def.Compensation != "" {
		if _, ok := o.registry.Compensation(def.Compensation); !ok {
			return &ValidationError{
				Field:  fmt.Sprintf("steps[%d].compensation", i),
				Reason: fmt.Sprintf("%q is not registered", def.Compensation),
				Err:    ErrCompensationNotFound,
			}
		}
	}
	return nil
}

// Execute drives the saga until it reaches a terminal status. It resumes
// wherever a previous execution stopped: completed steps are skipped, a step
// left running is retried and an interrupted compensation pass continues.
// Executing a terminal saga returns its report unchanged.
//
// A saga that ends compensated or failed is not an error; inspect the report
// or call Report.Err. Errors are returned for infrastructure problems, in
// which case the saga stays resumable.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (report *Report, err error) {
	ctx, span := o.startSagaSpan(ctx, sagaID)
	defer func() { endSagaSpan(span, report, err) }()

	lk, err := o.locker.Acquire(ctx, workflowKey(sagaID), o.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrSagaBusy
	}
	if err != nil {
		return nil, err
	}
	stop := o.keepAlive(ctx, lk)
	defer func() {
		stop()
		if _, err := o.locker.Release(context.WithoutCancel(ctx), lk); err != nil {
			o.logger.Warn("failed to release saga lock", zap.String("saga_id", sagaID), zap.Error(err))
		}
	}()

	report, err = o.store.LoadReport(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	e := &execution{o: o, wf: report.Workflow, steps: report.Steps}

	switch report.Workflow.Status {
	case StatusPending:
		if err := e.transition(ctx, StatusRunning, ""); err != nil {
			return report, err
		}
		err = e.runSteps(ctx)
	case StatusRunning:
		o.logger.Info("resuming saga", zap.String("saga_id", sagaID))
		err = e.runSteps(ctx)
	case StatusCompensating:
		o.logger.Info("resuming saga compensation", zap.String("saga_id", sagaID))
		err = e.compensate(ctx)
	}
	return report, err
}

// keepAlive renews the execution lock until the returned stop is called.
func (o *Orchestrator) keepAlive(ctx context.Context, lk *lock.Lock) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := o.locker.Extend(ctx, lk, o.lockTTL)
				if err != nil || !ok {
					o.logger.Warn("failed to extend saga lock",
						zap.String("key", lk.Key), zap.Bool("held", ok), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Status returns the saga and its steps.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*Report, error) {
	report, err := o.store.LoadReport(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if !report.Workflow.Status.IsTerminal() && !report.Workflow.CancelRequested {
		flagged, err := o.store.CancelRequested(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		report.Workflow.CancelRequested = flagged
	}
	return report, nil
}

// History returns the audit log of a saga.
func (o *Orchestrator) History(ctx context.Context, sagaID string) ([]HistoryEntry, error) {
	if _, _, err := o.store.LoadWorkflow(ctx, sagaID); err != nil {
		return nil, err
	}
	return o.store.History(ctx, sagaID)
}

// Cancel stops a saga. A pending saga becomes cancelled at once. A running
// saga is flagged; the step in flight finishes and the executing orchestrator
// then compensates the completed steps. Terminal and compensating sagas
// cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) (*Report, error) {
	report, err := o.Status(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if st := report.Workflow.Status; st != StatusPending && st != StatusRunning {
		return report, fmt.Errorf("%w: cannot cancel a %s saga", ErrInvalidTransition, st)
	}

	if report.Workflow.Status == StatusPending {
		lk, err := o.locker.Acquire(ctx, workflowKey(sagaID), o.lockTTL)
		switch {
		case err == nil:
			defer func() { _, _ = o.locker.Release(context.WithoutCancel(ctx), lk) }()
			return o.cancelPending(ctx, sagaID)
		case !errors.Is(err, lock.ErrNotAcquired):
			return nil, err
		}
		// An orchestrator picked the saga up in the meantime; flag it.
	}

	wf := report.Workflow
	if err := o.store.RequestCancel(ctx, wf); err != nil {
		return nil, err
	}
	wf.CancelRequested = true
	o.appendHistory(ctx, wf, HistoryEntry{At: o.now(), Event: "cancel_requested", From: string(wf.Status)})
	return report, nil
}

func (o *Orchestrator) cancelPending(ctx context.Context, sagaID string) (*Report, error) {
	report, err := o.store.LoadReport(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if report.Workflow.Status != StatusPending {
		return report, fmt.Errorf("%w: saga moved to %s", ErrInvalidTransition, report.Workflow.Status)
	}
	e := &execution{o: o, wf: report.Workflow, steps: report.Steps}
	e.wf.CancelRequested = true
	e.wf.Failure = &FailureDetail{Error: ErrCancelled.Error(), Cancelled: true}
	if err := e.finish(ctx, StatusCancelled); err != nil {
		return nil, err
	}
	return report, nil
}

// PurgeExpired removes a saga whose retention has passed. Sagas currently
// held by an orchestrator are skipped.
func (o *Orchestrator) PurgeExpired(ctx context.Context, sagaID, tenantHint string, now time.Time) (bool, error) {
	holder, err := o.locker.Holder(ctx, workflowKey(sagaID))
	if err != nil {
		return false, err
	}
	if holder != "" {
		return false, nil
	}
	return o.store.PurgeExpired(ctx, sagaID, tenantHint, now)
}

func (o *Orchestrator) appendHistory(ctx context.Context, wf *Workflow, entry HistoryEntry) {
	if err := o.store.AppendHistory(ctx, wf, entry); err != nil {
		o.logger.Warn("failed to append saga history",
			zap.String("saga_id", wf.ID), zap.String("event", entry.Event), zap.Error(err))
	}
}
