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

package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateInFlight means another caller is executing the same key.
	// It is distinct from a replay so callers can poll or reject.
	ErrDuplicateInFlight = errors.New("idempotency: duplicate request in flight")

	// ErrGuaranteeUnavailable is returned when storage fails while claiming a
	// key. The operation has not run; the caller decides whether to proceed
	// without protection.
	ErrGuaranteeUnavailable = errors.New("idempotency: cannot be guaranteed, storage unavailable")

	// ErrClaimLost means the in_progress record was replaced by another
	// claimant before this one finished, so the outcome was not persisted.
	ErrClaimLost = errors.New("idempotency: claim lost")

	// ErrClaimFinished is returned when Complete or Fail is called twice.
	ErrClaimFinished = errors.New("idempotency: claim already finished")
)

// ValidationError reports malformed input. Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("idempotency: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
