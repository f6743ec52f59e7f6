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
	"fmt"

	"go.uber.org/zap"

	"github.com/innovationmech/enrollsaga/pkg/capacity"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
)

// Compensation actions of the enrollment saga.
const (
	ActionReleaseSeat      saga.Action = "release_seat"
	ActionRefundPayment    saga.Action = "refund_payment"
	ActionDeleteEnrollment saga.Action = "delete_enrollment"
	ActionDetachHistory    saga.Action = "detach_history"
)

// argStudentID carries the student of a detach_history compensation.
const argStudentID = "student_id"

// compensator reverses enrollment steps. Refunds bypass the circuit breaker
// and are retried with backoff instead.
type compensator struct {
	capacity capacity.Counter
	payments PaymentProcessor
	records  RecordStore
	history  HistoryStore
	retrier  *resilience.Retrier
	metrics  MetricsCollector
	logger   *zap.Logger
}

func (c *compensator) Reverse(ctx context.Context, comp saga.Compensation) error {
	c.logger.Debug("reversing step", zap.String("step", comp.Step), zap.String("action", string(comp.Action)), zap.String("target", comp.Target))
	err := c.reverse(ctx, comp)
	c.metrics.RecordCompensation(string(comp.Action), err == nil)
	return err
}

func (c *compensator) reverse(ctx context.Context, comp saga.Compensation) error {
	switch comp.Action {
	case ActionReleaseSeat:
		return c.capacity.Release(ctx, comp.Target)
	case ActionRefundPayment:
		return c.refund(ctx, comp.Target)
	case ActionDeleteEnrollment:
		return c.records.Delete(ctx, comp.Target)
	case ActionDetachHistory:
		if c.history == nil {
			return nil
		}
		return c.history.Detach(ctx, comp.Args[argStudentID], comp.Target)
	default:
		return fmt.Errorf("unknown compensation action %q", comp.Action)
	}
}

func (c *compensator) refund(ctx context.Context, receiptID string) error {
	if c.retrier == nil {
		return c.payments.Refund(ctx, receiptID)
	}
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.payments.Refund(ctx, receiptID)
	})
}
