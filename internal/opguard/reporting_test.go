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
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/saga"
)

func TestSentryReporterCapturesCompensationFailure(t *testing.T) {
	transport := &sentry.MockTransport{}
	r, err := newSentryReporter(sentry.ClientOptions{Transport: transport}, zap.NewNop())
	require.NoError(t, err)

	wf := &saga.Workflow{ID: "saga-1", TenantID: "tenant-a"}
	step := &saga.Step{ID: "step-2", Index: 1, Name: "charge", Compensation: "refund", AttemptCount: 1}
	r.ReportCompensationFailure(context.Background(), wf, step, errors.New("refund service down"))
	assert.True(t, r.Flush(time.Second))

	events := transport.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, "saga-1", ev.Tags["saga.id"])
	assert.Equal(t, "tenant-a", ev.Tags["tenant.id"])
	assert.Equal(t, "charge", ev.Tags["saga.step"])
	require.Contains(t, ev.Contexts, "compensation")
	assert.Equal(t, "refund", ev.Contexts["compensation"]["compensation"])
	require.NotEmpty(t, ev.Exception)
	assert.Equal(t, "refund service down", ev.Exception[len(ev.Exception)-1].Value)
}

func TestSentryReporterScopesDoNotLeak(t *testing.T) {
	transport := &sentry.MockTransport{}
	r, err := newSentryReporter(sentry.ClientOptions{Transport: transport}, zap.NewNop())
	require.NoError(t, err)

	r.ReportCompensationFailure(context.Background(), &saga.Workflow{ID: "a", TenantID: "t1"},
		&saga.Step{Name: "one"}, errors.New("first"))
	r.ReportCompensationFailure(context.Background(), &saga.Workflow{ID: "b", TenantID: "t2"},
		&saga.Step{Name: "two"}, errors.New("second"))

	events := transport.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Tags["saga.id"])
	assert.Equal(t, "two", events[1].Tags["saga.step"])
}

func TestSentryReporterRejectsBadDSN(t *testing.T) {
	_, err := newSentryReporter(sentry.ClientOptions{Dsn: "not a dsn"}, zap.NewNop())
	assert.Error(t, err)
}
