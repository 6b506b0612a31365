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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, Option) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, WithTracer(tp.Tracer(TracerName))
}

func spansByName(rec *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	out := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range rec.Ended() {
		out[s.Name()] = s
	}
	return out
}

func TestExecuteRecordsSpans(t *testing.T) {
	rec, withTracer := newRecordingTracer(t)
	f := newFixture(t, withTracer)
	f.okStep(t, "reserve")
	f.okStep(t, "charge")
	ctx := context.Background()

	created, err := f.orch.Create(ctx, "tenant-a", defs("reserve", "charge"))
	require.NoError(t, err)
	_, err = f.orch.Execute(ctx, created.Workflow.ID)
	require.NoError(t, err)

	spans := spansByName(rec)
	require.Len(t, spans, 3)
	root := spans["saga.execute"]
	require.NotNil(t, root)
	assert.Equal(t, codes.Ok, root.Status().Code)

	for _, name := range []string{"saga.step reserve", "saga.step charge"} {
		s := spans[name]
		require.NotNil(t, s, name)
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), name)
		assert.Equal(t, codes.Ok, s.Status().Code, name)
		require.Len(t, s.Events(), 1)
		assert.Equal(t, "saga.step.attempt", s.Events()[0].Name)
	}
}

func TestFailedCompensationIsTracedAndReported(t *testing.T) {
	type reported struct {
		sagaID string
		step   string
		err    string
	}
	var (
		mu   sync.Mutex
		seen []reported
	)
	reporter := FailureReporterFunc(func(_ context.Context, wf *Workflow, step *Step, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, reported{sagaID: wf.ID, step: step.Name, err: err.Error()})
	})

	rec, withTracer := newRecordingTracer(t)
	f := newFixture(t, withTracer, WithFailureReporter(reporter))
	f.okStep(t, "reserve")
	f.failingStep(t, "ship")
	require.NoError(t, f.orch.Registry().RegisterHandler("charge", HandlerFunc(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})))
	require.NoError(t, f.orch.Registry().RegisterCompensation("undo-charge", CompensationFunc(
		func(context.Context, json.RawMessage, json.RawMessage) error {
			panic("refund service down")
		})))
	ctx := context.Background()

	created, err := f.orch.Create(ctx, "tenant-a", defs("reserve", "charge", "ship"))
	require.NoError(t, err)
	report, err := f.orch.Execute(ctx, created.Workflow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, report.Workflow.Status)

	spans := spansByName(rec)
	assert.Equal(t, codes.Error, spans["saga.execute"].Status().Code)
	assert.Equal(t, "compensation failed", spans["saga.execute"].Status().Description)
	assert.Equal(t, codes.Error, spans["saga.step ship"].Status().Code)
	assert.Equal(t, codes.Error, spans["saga.compensate charge"].Status().Code)
	assert.Equal(t, codes.Ok, spans["saga.compensate reserve"].Status().Code)
	assert.NotContains(t, spans, "saga.compensate ship")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, created.Workflow.ID, seen[0].sagaID)
	assert.Equal(t, "charge", seen[0].step)
	assert.Contains(t, seen[0].err, "refund service down")
}

func TestCompensatedSagaSpanIsOk(t *testing.T) {
	rec, withTracer := newRecordingTracer(t)
	f := newFixture(t, withTracer)
	f.okStep(t, "reserve")
	f.failingStep(t, "ship")
	ctx := context.Background()

	created, err := f.orch.Create(ctx, "tenant-a", defs("reserve", "ship"))
	require.NoError(t, err)
	report, err := f.orch.Execute(ctx, created.Workflow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, report.Workflow.Status)

	root := spansByName(rec)["saga.execute"]
	require.NotNil(t, root)
	assert.Equal(t, codes.Ok, root.Status().Code)
	var names []string
	for _, ev := range root.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "saga.compensated")
}

func TestUnknownSagaSpanRecordsError(t *testing.T) {
	rec, withTracer := newRecordingTracer(t)
	f := newFixture(t, withTracer)

	_, err := f.orch.Execute(context.Background(), "missing")
	require.Error(t, err)

	root := spansByName(rec)["saga.execute"]
	require.NotNil(t, root)
	assert.Equal(t, codes.Error, root.Status().Code)
}
