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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/metrics"
)

// execution holds the in-memory view of one saga while an orchestrator owns
// its lock. Every change is written through before the next one is made.
type execution struct {
	o     *Orchestrator
	wf    *Workflow
	steps []*Step
}

func (e *execution) transition(ctx context.Context, to Status, detail string) error {
	from := e.wf.Status
	now := e.o.now()
	e.wf.Status = to
	e.wf.UpdatedAt = now
	e.wf.ExpiresAt = now.Add(e.o.retention)
	if err := e.o.store.SaveWorkflow(ctx, e.wf); err != nil {
		e.wf.Status = from
		return err
	}
	e.o.appendHistory(ctx, e.wf, HistoryEntry{At: now, Event: "saga_status", From: string(from), To: string(to), Detail: detail})
	return nil
}

// touch refreshes the saga expiry after step progress.
func (e *execution) touch(ctx context.Context) error {
	now := e.o.now()
	e.wf.UpdatedAt = now
	e.wf.ExpiresAt = now.Add(e.o.retention)
	return e.o.store.SaveWorkflow(ctx, e.wf)
}

func (e *execution) setStep(ctx context.Context, step *Step, to StepStatus, detail string) error {
	from := step.Status
	now := e.o.now()
	step.Status = to
	step.UpdatedAt = now
	if err := e.o.store.SaveStep(ctx, e.wf, step); err != nil {
		step.Status = from
		return err
	}
	e.o.appendHistory(ctx, e.wf, HistoryEntry{
		At: now, Event: "step_status", StepID: step.ID, From: string(from), To: string(to), Detail: detail,
	})
	return nil
}

func (e *execution) cancelRequested(ctx context.Context) (bool, error) {
	if e.wf.CancelRequested {
		return true, nil
	}
	flagged, err := e.o.store.CancelRequested(ctx, e.wf.ID)
	if err != nil {
		return false, err
	}
	e.wf.CancelRequested = flagged
	return flagged, nil
}

// runSteps executes steps in declared order, skipping completed ones.
func (e *execution) runSteps(ctx context.Context) error {
	for _, step := range e.steps {
		switch step.Status {
		case StepCompleted:
			continue
		case StepFailed:
			// The previous owner marked the step failed but stopped before
			// compensating.
			return e.beginCompensation(ctx, step, step.Error, false)
		case StepPending:
			cancelled, err := e.cancelRequested(ctx)
			if err != nil {
				return err
			}
			if cancelled {
				e.o.logger.Info("saga cancelled between steps",
					zap.String("saga_id", e.wf.ID), zap.String("next_step", step.Name))
				return e.beginCompensation(ctx, nil, ErrCancelled.Error(), true)
			}
		}

		if err := e.executeStep(ctx, step); err != nil {
			var stepErr *StepExecutionError
			if errors.As(err, &stepErr) {
				return e.beginCompensation(ctx, step, stepErr.Cause, false)
			}
			return err
		}
	}
	return e.finish(ctx, StatusCompleted)
}

// executeStep runs one step with retries. It returns a StepExecutionError
// once the retries are exhausted; any other error leaves the step resumable.
func (e *execution) executeStep(ctx context.Context, step *Step) (err error) {
	ctx, span := e.startStepSpan(ctx, step, "step")
	defer func() {
		span.SetAttributes(attribute.Int("saga.step.attempts", step.AttemptCount))
		if err != nil {
			recordSpanFailure(span, err, step.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	handler, ok := e.o.registry.Handler(step.Handler)
	if !ok {
		step.Error = fmt.Sprintf("handler %q is not registered", step.Handler)
		if err := e.setStep(ctx, step, StepFailed, step.Error); err != nil {
			return err
		}
		return &StepExecutionError{SagaID: e.wf.ID, StepID: step.ID, Step: step.Name, Cause: step.Error}
	}

	maxAttempts := step.MaxRetries + 1
	if step.Status == StepRunning && step.AttemptCount >= maxAttempts {
		// Crashed during the last allowed attempt: the attempt never reported
		// back, so it gets one more.
		maxAttempts = step.AttemptCount + 1
	}
	labels := map[string]string{"handler": step.Handler}

	var lastErr error
	for step.AttemptCount < maxAttempts {
		if lastErr != nil {
			e.o.metrics.IncrementCounter(metrics.SagaStepRetry, labels)
			e.o.logger.Warn("retrying saga step",
				zap.String("saga_id", e.wf.ID), zap.String("step", step.Name),
				zap.Int("attempt", step.AttemptCount+1), zap.Error(lastErr))
			if err := e.o.sleep(ctx, e.o.backoff(step.AttemptCount)); err != nil {
				return err
			}
		}

		step.AttemptCount++
		if step.StartedAt == nil {
			started := e.o.now()
			step.StartedAt = &started
		}
		if err := e.setStep(ctx, step, StepRunning, fmt.Sprintf("attempt %d", step.AttemptCount)); err != nil {
			return err
		}

		span.AddEvent("saga.step.attempt", trace.WithAttributes(attribute.Int("attempt", step.AttemptCount)))
		start := time.Now()
		result, err := invokeHandler(ctx, handler, step.Payload)
		e.o.metrics.ObserveHistogram(metrics.SagaStepSeconds, time.Since(start).Seconds(), labels)

		if err == nil {
			completed := e.o.now()
			step.Result = result
			step.Error = ""
			step.CompletedAt = &completed
			if err := e.setStep(ctx, step, StepCompleted, ""); err != nil {
				return err
			}
			return e.touch(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		step.Error = err.Error()
	}

	if err := e.setStep(ctx, step, StepFailed, step.Error); err != nil {
		return err
	}
	return &StepExecutionError{SagaID: e.wf.ID, StepID: step.ID, Step: step.Name, Cause: step.Error}
}

func (e *execution) beginCompensation(ctx context.Context, failed *Step, cause string, cancelled bool) error {
	e.wf.Failure = &FailureDetail{Error: cause, Cancelled: cancelled}
	if failed != nil {
		e.wf.Failure.FailedStepID = failed.ID
		e.wf.Failure.FailedStep = failed.Name
	}
	if err := e.transition(ctx, StatusCompensating, cause); err != nil {
		return err
	}
	return e.compensate(ctx)
}

func (e *execution) finish(ctx context.Context, status Status) error {
	if err := e.transition(ctx, status, ""); err != nil {
		return err
	}
	e.o.metrics.IncrementCounter(metrics.SagaFinished, map[string]string{"status": string(status)})

	fields := []zap.Field{zap.String("saga_id", e.wf.ID), zap.String("status", string(status))}
	if e.wf.Failure != nil {
		fields = append(fields, zap.String("cause", e.wf.Failure.Error))
	}
	switch status {
	case StatusFailed:
		e.o.logger.Error("saga finished with failed compensation", fields...)
	default:
		e.o.logger.Info("saga finished", fields...)
	}
	return nil
}

func invokeHandler(ctx context.Context, h Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Execute(ctx, payload)
}
