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
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/innovationmech/enrollsaga/pkg/saga"
)

// ErrorBody is the client-facing description of a failed request.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	SagaID    string `json:"saga_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Response is the handler's answer to one request.
type Response struct {
	Enrollment *Enrollment `json:"enrollment,omitempty"`
	Replayed   bool        `json:"replayed"`
	Error      *ErrorBody  `json:"error,omitempty"`
}

// Processor runs enrollment sagas.
type Processor interface {
	ProcessDetailed(ctx context.Context, req Request) (*Outcome, error)
}

// Handler is the transaction request entry point. It bounds the number of
// concurrent sagas and turns saga errors into a Response.
type Handler struct {
	processor Processor
	slots     *semaphore.Weighted
	logger    *zap.Logger
}

// NewHandler creates a Handler admitting at most maxConcurrent sagas at once.
func NewHandler(p Processor, maxConcurrent int64, l *zap.Logger) (*Handler, error) {
	if p == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", maxConcurrent)
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Handler{processor: p, slots: semaphore.NewWeighted(maxConcurrent), logger: l}, nil
}

// Handle processes req. The returned error is non-nil only when the request
// could not be admitted before ctx ended; saga failures are reported in the
// Response so callers can branch on Error.Code.
func (h *Handler) Handle(ctx context.Context, req Request) (*Response, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.slots.Release(1)

	out, err := h.processor.ProcessDetailed(ctx, req)
	if err != nil {
		body := errorBody(err)
		h.logger.Info("enrollment request failed",
			zap.String("code", body.Code),
			zap.String("step", body.Step),
			zap.String("saga_id", body.SagaID),
			zap.Bool("retryable", body.Retryable))
		return &Response{Error: body}, nil
	}
	return &Response{Enrollment: out.Enrollment, Replayed: out.Replayed}, nil
}

func errorBody(err error) *ErrorBody {
	var se *saga.SagaError
	if !errors.As(err, &se) {
		return &ErrorBody{Code: saga.ErrCodeInfrastructure, Message: err.Error(), Retryable: true}
	}
	msg := se.Message
	if se.Cause != nil {
		msg += ": " + se.Cause.Error()
	}
	return &ErrorBody{
		Code:      se.Code,
		Message:   msg,
		Step:      se.Step,
		SagaID:    se.SagaID,
		Retryable: se.Retryable,
	}
}
