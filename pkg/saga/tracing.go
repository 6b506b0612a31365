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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of saga spans.
const TracerName = "github.com/innovationmech/opguard/pkg/saga"

// FailureReporter is told about compensations that failed. Such sagas end
// failed and need manual repair, so reporters usually page someone.
type FailureReporter interface {
	ReportCompensationFailure(ctx context.Context, wf *Workflow, step *Step, err error)
}

// FailureReporterFunc adapts a function to FailureReporter.
type FailureReporterFunc func(ctx context.Context, wf *Workflow, step *Step, err error)

// ReportCompensationFailure implements FailureReporter.
func (f FailureReporterFunc) ReportCompensationFailure(ctx context.Context, wf *Workflow, step *Step, err error) {
	f(ctx, wf, step, err)
}

// WithTracer sets the tracer for saga and step spans. The default is the
// global provider's tracer, a no-op unless the host installed one.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithFailureReporter adds a reporter for failed compensations.
func WithFailureReporter(r FailureReporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporters = append(o.reporters, r)
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

func (o *Orchestrator) startSagaSpan(ctx context.Context, sagaID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "saga.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("saga.id", sagaID)))
}

// endSagaSpan records the outcome of Execute on span and ends it.
func endSagaSpan(span trace.Span, report *Report, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if report == nil {
		return
	}
	wf := report.Workflow
	span.SetAttributes(
		attribute.String("saga.tenant_id", wf.TenantID),
		attribute.String("saga.status", string(wf.Status)),
	)
	switch wf.Status {
	case StatusCompleted:
		span.SetStatus(codes.Ok, "")
	case StatusCompensated:
		reason := ""
		if wf.Failure != nil {
			reason = wf.Failure.Error
		}
		span.AddEvent("saga.compensated", trace.WithAttributes(attribute.String("saga.compensation.reason", reason)))
		span.SetStatus(codes.Ok, "")
	case StatusFailed:
		span.SetStatus(codes.Error, "compensation failed")
	}
}

func (e *execution) startStepSpan(ctx context.Context, step *Step, phase string) (context.Context, trace.Span) {
	return e.o.tracer.Start(ctx, fmt.Sprintf("saga.%s %s", phase, step.Name),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("saga.id", e.wf.ID),
			attribute.String("saga.step.id", step.ID),
			attribute.String("saga.step.name", step.Name),
			attribute.String("saga.step.type", phase),
		))
}

func recordSpanFailure(span trace.Span, err error, reason string) {
	span.RecordError(err, trace.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
	span.SetStatus(codes.Error, reason)
}
