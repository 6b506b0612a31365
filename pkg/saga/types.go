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

// Package saga drives multi-step operations that either complete every step
// or undo the completed ones through registered compensations, in reverse
// order, without a global transaction coordinator.
package saga

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
	// StatusCancelled is reached when a saga is cancelled before it started.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Workflow is the persisted saga header. Steps are stored separately so each
// step transition is a single write.
type Workflow struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Status          Status         `json:"status"`
	StepIDs         []string       `json:"step_ids"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Failure         *FailureDetail `json:"failure,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Step is the persisted state of one step.
type Step struct {
	ID                string          `json:"id"`
	SagaID            string          `json:"saga_id"`
	Index             int             `json:"index"`
	Name              string          `json:"name"`
	Handler           string          `json:"handler"`
	Compensation      string          `json:"compensation,omitempty"`
	Status            StepStatus      `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxRetries        int             `json:"max_retries"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StepDefinition describes a step when a saga is created.
type StepDefinition struct {
	Name string `json:"name" validate:"required,max=128"`
	// Handler names a handler registered with the Registry.
	Handler string `json:"handler" validate:"required"`
	// Compensation names a registered compensation. Empty means the step has
	// nothing to undo.
	Compensation string `json:"compensation,omitempty"`
	// Payload is encoded as JSON and handed to both handler and compensation.
	Payload any `json:"payload,omitempty"`
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int `json:"max_retries" validate:"gte=0,lte=100"`
}

// StepOutcome summarises what happened to a step during compensation.
type StepOutcome struct {
	StepID string     `json:"step_id"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// FailureDetail explains why a saga left the happy path.
type FailureDetail struct {
	FailedStepID string `json:"failed_step_id,omitempty"`
	FailedStep   string `json:"failed_step,omitempty"`
	Error        string `json:"error"`
	// Cancelled is set when compensation was triggered by Cancel.
	Cancelled bool `json:"cancelled,omitempty"`
	// Compensations lists outcomes in the order compensation ran.
	Compensations []StepOutcome `json:"compensations,omitempty"`
}

// HistoryEntry is one line of the append-only audit log of a saga.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	StepID string    `json:"step_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Report is a saga with its steps in declared order.
type Report struct {
	Workflow *Workflow `json:"workflow"`
	Steps    []*Step   `json:"steps"`
}

// Err converts a failed or compensated report into an error, or nil.
func (r *Report) Err() error {
	if r == nil || r.Workflow == nil || r.Workflow.Failure == nil {
		return nil
	}
	f := r.Workflow.Failure
	switch r.Workflow.Status {
	case StatusFailed:
		if failed := failedCompensations(f.Compensations); len(failed) > 0 {
			return &CompensationError{SagaID: r.Workflow.ID, Cause: f.Error, Outcomes: failed}
		}
		return &StepExecutionError{SagaID: r.Workflow.ID, StepID: f.FailedStepID, Step: f.FailedStep, Cause: f.Error}
	case StatusCompensated:
		return &StepExecutionError{SagaID: r.Workflow.ID, StepID: f.FailedStepID, Step: f.FailedStep, Cause: f.Error}
	default:
		return nil
	}
}

func failedCompensations(outcomes []StepOutcome) []StepOutcome {
	var failed []StepOutcome
	for _, o := range outcomes {
		if o.Status == StepCompensationFailed {
			failed = append(failed, o)
		}
	}
	return failed
}
