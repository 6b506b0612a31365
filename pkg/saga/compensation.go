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

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/metrics"
)

// compensate undoes completed steps in reverse order. A failing compensation
// is recorded and the pass continues; the saga ends compensated only when
// every compensation succeeded.
func (e *execution) compensate(ctx context.Context) error {
	if e.wf.Failure == nil {
		e.wf.Failure = &FailureDetail{Error: "compensation resumed without recorded cause"}
	}

	outcomes := make([]StepOutcome, 0, len(e.steps))
	anyFailed := false

	for i := len(e.steps) - 1; i >= 0; i-- {
		step := e.steps[i]
		switch step.Status {
		case StepCompensated:
		case StepCompensationFailed:
			anyFailed = true
		case StepCompleted:
			if err := e.compensateStep(ctx, step); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if step.Status != StepCompensationFailed {
					// Persisting the outcome failed; leave the pass resumable.
					return err
				}
				anyFailed = true
			}
		default:
			// Pending steps never ran and the failed step has nothing to undo.
			continue
		}
		outcomes = append(outcomes, StepOutcome{
			StepID: step.ID,
			Name:   step.Name,
			Status: step.Status,
			Error:  step.CompensationError,
		})
	}

	e.wf.Failure.Compensations = outcomes
	if anyFailed {
		return e.finish(ctx, StatusFailed)
	}
	return e.finish(ctx, StatusCompensated)
}

func (e *execution) compensateStep(ctx context.Context, step *Step) (err error) {
	ctx, span := e.startStepSpan(ctx, step, "compensate")
	defer func() {
		if err != nil {
			recordSpanFailure(span, err, "compensation failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if step.Compensation == "" {
		return e.setStep(ctx, step, StepCompensated, "no compensation registered for step")
	}

	if c, ok := e.o.registry.Compensation(step.Compensation); ok {
		err = invokeCompensation(ctx, c, step.Payload, step.Result)
	} else {
		err = fmt.Errorf("%w: %q", ErrCompensationNotFound, step.Compensation)
	}

	if err == nil {
		return e.setStep(ctx, step, StepCompensated, "")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.o.metrics.IncrementCounter(metrics.SagaCompensationFailed, map[string]string{"compensation": step.Compensation})
	e.o.logger.Error("saga compensation failed",
		zap.String("saga_id", e.wf.ID), zap.String("step", step.Name), zap.Error(err))

	step.CompensationError = err.Error()
	if saveErr := e.setStep(ctx, step, StepCompensationFailed, step.CompensationError); saveErr != nil {
		return saveErr
	}
	for _, r := range e.o.reporters {
		r.ReportCompensationFailure(ctx, e.wf, step, err)
	}
	return err
}

func invokeCompensation(ctx context.Context, c Compensation, payload, result json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return c.Compensate(ctx, payload, result)
}
