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

// Package enrollment runs the enrollment saga: reserve a seat, charge the
// student, persist the enrollment and attach it to the student's history,
// compensating completed steps in reverse order when a later one fails.
package enrollment

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// TopicEnrollmentCreated is the topic of the event published after commit.
const TopicEnrollmentCreated = "enrollment.created"

// Status of an enrollment record.
type Status string

const (
	// StatusActive is the status of a committed enrollment.
	StatusActive Status = "active"
)

var (
	// ErrNotEligible is wrapped by EligibilityValidator implementations for business-rule rejections.
	ErrNotEligible = errors.New("student is not eligible")
	// ErrPaymentDeclined is wrapped by PaymentProcessor implementations for terminal declines.
	ErrPaymentDeclined = errors.New("payment declined")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request asks to enroll a student (subject) into a course (resource).
type Request struct {
	StudentID      string `json:"student_id" validate:"required,max=64"`
	CourseID       string `json:"course_id" validate:"required,max=64"`
	PaymentMethod  string `json:"payment_method" validate:"required,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// Validate checks the shape of the request.
func (r Request) Validate() error {
	return validate.Struct(r)
}

// Money is an amount in minor units.
type Money struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Receipt is returned by a successful charge.
type Receipt struct {
	ID        string    `json:"id"`
	Amount    Money     `json:"amount"`
	Method    string    `json:"method"`
	ChargedAt time.Time `json:"charged_at"`
}

// Enrollment is the record a committed saga produces.
type Enrollment struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	CourseID    string    `json:"course_id"`
	Status      Status    `json:"status"`
	ReceiptID   string    `json:"receipt_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	SagaID      string    `json:"saga_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is the payload published on TopicEnrollmentCreated.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	SagaID     string      `json:"saga_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Enrollment *Enrollment `json:"enrollment"`
}

// Outcome is the result of ProcessDetailed.
type Outcome struct {
	Enrollment *Enrollment
	// Replayed is true when the result came from an earlier run with the same key.
	Replayed bool
}
