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

package enrollment

import (
	"context"
)

// EligibilityValidator checks prerequisites and duplicate registrations.
// Business-rule failures wrap ErrNotEligible.
type EligibilityValidator interface {
	Validate(ctx context.Context, studentID, courseID string) error
}

// PaymentProcessor charges and refunds. Terminal declines wrap ErrPaymentDeclined.
type PaymentProcessor interface {
	Charge(ctx context.Context, amount Money, method string, metadata map[string]string) (*Receipt, error)
	Refund(ctx context.Context, receiptID string) error
}

// RecordStore persists enrollment records. Delete is used as a compensation and
// must succeed when the record is already gone.
type RecordStore interface {
	Save(ctx context.Context, e *Enrollment) error
	Delete(ctx context.Context, id string) error
}

// HistoryStore maintains the student's course history aggregate.
type HistoryStore interface {
	Attach(ctx context.Context, studentID, courseID, enrollmentID string) error
	Detach(ctx context.Context, studentID, courseID string) error
}

// EventBus publishes domain events. Its errors are only logged.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Pricer returns the price of a course.
type Pricer interface {
	Price(ctx context.Context, courseID string) (Money, error)
}

// FixedPricer charges the same amount for every course.
type FixedPricer Money

// Price returns p.
func (p FixedPricer) Price(context.Context, string) (Money, error) {
	return Money(p), nil
}
