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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSagaNotFound is returned for unknown saga ids.
	ErrSagaNotFound = errors.New("saga: not found")

	// ErrSagaBusy means another orchestrator is executing the saga.
	ErrSagaBusy = errors.New("saga: execution already in progress")

	// ErrInvalidTransition is returned when the requested change is not
	// allowed from the saga's current status.
	ErrInvalidTransition = errors.New("saga: invalid state transition")

	// ErrHandlerNotFound is returned when a step names an unregistered handler.
	ErrHandlerNotFound = errors.New("saga: handler not registered")

	// ErrCompensationNotFound is returned when a step names an unregistered compensation.
	ErrCompensationNotFound = errors.New("saga: compensation not registered")

	// ErrDuplicateRegistration is returned when a name is registered twice.
	ErrDuplicateRegistration = errors.New("saga: name already registered")

	// ErrCancelled is the cause recorded when a running saga is cancelled.
	ErrCancelled = errors.New("saga: cancelled")
)

// ValidationError reports malformed saga input. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("saga: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StepExecutionError reports a step that exhausted its retries.
type StepExecutionError struct {
	SagaID string
	StepID string
	Step   string
	Cause  string
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %s", e.SagaID, e.Step, e.Cause)
}

// CompensationError reports compensations that failed. They are never
// retried automatically and need an operator.
type CompensationError struct {
	SagaID   string
	Cause    string
	Outcomes []StepOutcome
}

func (e *CompensationError) Error() string {
	names := make([]string, len(e.Outcomes))
	for i, o := range e.Outcomes {
		names[i] = fmt.Sprintf("%s (%s)", o.Name, o.Error)
	}
	return fmt.Sprintf("saga %s: compensation failed for %s after: %s",
		e.SagaID, strings.Join(names, ", "), e.Cause)
}
