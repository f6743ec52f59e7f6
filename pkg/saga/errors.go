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
	"time"
)

// Error codes surfaced to callers of a saga run. The code identifies the phase that failed.
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeNoCapacity          = "NO_CAPACITY"
	ErrCodeCapacityUnavailable = "CAPACITY_UNAVAILABLE"
	ErrCodePaymentFailed       = "PAYMENT_FAILED"
	ErrCodePersistenceFailed   = "PERSISTENCE_FAILED"
	ErrCodeInfrastructure      = "INFRASTRUCTURE_ERROR"
	ErrCodeRequestInFlight     = "REQUEST_IN_FLIGHT"
	ErrCodeCompensationFailed  = "COMPENSATION_FAILED"
)

// ErrorType classifies a SagaError.
type ErrorType string

const (
	// ErrorTypeRejection is a predictable business-rule failure detected before any mutation.
	ErrorTypeRejection ErrorType = "rejection"
	// ErrorTypeTransactional is a forward step failure after the transactional phase began.
	ErrorTypeTransactional ErrorType = "transactional"
	// ErrorTypeInfrastructure is a failure of the engine's own backing dependencies.
	ErrorTypeInfrastructure ErrorType = "infrastructure"
	// ErrorTypeCompensation is a failure of a reversal action.
	ErrorTypeCompensation ErrorType = "compensation"
)

// Sentinels for errors.Is. A *SagaError matches a sentinel when their codes are equal.
var (
	ErrValidationFailed    = &SagaError{Code: ErrCodeValidationFailed}
	ErrNoCapacity          = &SagaError{Code: ErrCodeNoCapacity}
	ErrCapacityUnavailable = &SagaError{Code: ErrCodeCapacityUnavailable}
	ErrPaymentFailed       = &SagaError{Code: ErrCodePaymentFailed}
	ErrPersistenceFailed   = &SagaError{Code: ErrCodePersistenceFailed}
	ErrInfrastructure      = &SagaError{Code: ErrCodeInfrastructure}
	ErrRequestInFlight     = &SagaError{Code: ErrCodeRequestInFlight}
	ErrCompensationFailed  = &SagaError{Code: ErrCodeCompensationFailed}
)

// SagaError is the single error a saga run returns. It names the failing step and
// the saga correlation id while keeping the original cause reachable via Unwrap.
type SagaError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Step      string                 `json:"step,omitempty"`
	SagaID    string                 `json:"saga_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// Cause is the error returned by the step's forward action.
	Cause error `json:"-"`
	// Compensation aggregates reversal failures from the rollback this error triggered.
	// It never replaces Cause.
	Compensation error `json:"-"`
}

// NewSagaError creates a new SagaError with the specified parameters.
func NewSagaError(code, message string, errorType ErrorType, retryable bool) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// WrapError wraps err with a code and the step that produced it. A nil err yields nil.
func WrapError(err error, code, step string, errorType ErrorType, retryable bool) *SagaError {
	if err == nil {
		return nil
	}
	e := NewSagaError(code, fmt.Sprintf("step %s failed", step), errorType, retryable)
	e.Step = step
	e.Cause = err
	return e
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.SagaID != "" {
		msg += " [saga " + e.SagaID + "]"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the original cause to errors.Is and errors.As.
func (e *SagaError) Unwrap() error {
	return e.Cause
}

// Is matches another *SagaError by code.
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithSagaID tags the error with the saga correlation id.
func (e *SagaError) WithSagaID(id string) *SagaError {
	e.SagaID = id
	return e
}

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value interface{}) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCompensation attaches rollback failures.
func (e *SagaError) WithCompensation(err error) *SagaError {
	e.Compensation = err
	return e
}

// NewRejection builds a pre-flight rejection. Rejections never trigger compensation.
func NewRejection(code, message string, cause error) *SagaError {
	e := NewSagaError(code, message, ErrorTypeRejection, false)
	e.Cause = cause
	return e
}

// NewInfrastructureError builds a retryable error for the engine's own backing stores.
func NewInfrastructureError(code, message string, cause error) *SagaError {
	e := NewSagaError(code, message, ErrorTypeInfrastructure, true)
	e.Cause = cause
	return e
}

// AsSagaError returns the first *SagaError in err's chain.
func AsSagaError(err error) (*SagaError, bool) {
	var se *SagaError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether err is a SagaError marked retryable.
func IsRetryable(err error) bool {
	se, ok := AsSagaError(err)
	return ok && se.Retryable
}

// CodeOf returns the code of the first SagaError in err's chain, or "".
func CodeOf(err error) string {
	if se, ok := AsSagaError(err); ok {
		return se.Code
	}
	return ""
}
