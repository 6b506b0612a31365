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

package opguard

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/saga"
)

// sentryReporter sends failed compensations to Sentry. It owns its hub so
// the server never touches the global Sentry client.
type sentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

func newSentryReporter(opts sentry.ClientOptions, log *zap.Logger) (*sentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return &sentryReporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: log}, nil
}

// ReportCompensationFailure implements saga.FailureReporter.
func (r *sentryReporter) ReportCompensationFailure(ctx context.Context, wf *saga.Workflow, step *saga.Step, err error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("saga.id", wf.ID)
		scope.SetTag("tenant.id", wf.TenantID)
		scope.SetTag("saga.step", step.Name)
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			scope.SetTag("trace_id", sc.TraceID().String())
		}
		scope.SetContext("compensation", sentry.Context{
			"step_id":      step.ID,
			"step_index":   step.Index,
			"compensation": step.Compensation,
			"attempts":     step.AttemptCount,
		})
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("reported compensation failure",
				zap.String("saga_id", wf.ID), zap.String("event_id", string(*id)))
		}
	})
}

// Flush waits up to timeout for queued events.
func (r *sentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
