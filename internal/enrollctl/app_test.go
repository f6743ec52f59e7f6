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

package enrollctl

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
	"github.com/innovationmech/enrollsaga/internal/enrollment/payment"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
)

func buildApp(t *testing.T, cfg *Config) *App {
	t.Helper()
	require.NoError(t, cfg.Validate())
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close(context.Background())) })
	return app
}

func request(student, course, method, key string) enrollment.Request {
	return enrollment.Request{
		StudentID:      student,
		CourseID:       course,
		PaymentMethod:  method,
		IdempotencyKey: key,
	}
}

func TestBuild_MemoryBackends(t *testing.T) {
	cfg := DefaultConfig()
	app := buildApp(t, &cfg)
	ctx := context.Background()

	resp, err := app.Handler.Handle(ctx, request("S1", "CS101", "card", "k-1"))
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Enrollment)
	assert.Equal(t, enrollment.StatusActive, resp.Enrollment.Status)
	assert.Equal(t, cfg.Saga.PriceCents, resp.Enrollment.AmountCents)

	n, err := app.Seats.Available(ctx, "CS101")
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)

	list, err := app.Enrollments.ListByStudent(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, resp.Enrollment.ID, list[0].ID)

	replay, err := app.Handler.Handle(ctx, request("S1", "CS101", "card", "k-1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, resp.Enrollment.ID, replay.Enrollment.ID)

	// A new key for the same course is caught by the eligibility check.
	dup, err := app.Handler.Handle(ctx, request("S1", "CS101", "card", "k-2"))
	require.NoError(t, err)
	require.NotNil(t, dup.Error)
	assert.Equal(t, saga.ErrCodeValidationFailed, dup.Error.Code)

	n, err = app.Seats.Available(ctx, "CS101")
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)
}

func TestBuild_DeclineDoesNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.ConsecutiveFailureThreshold = 2
	cfg.Breaker.MinimumRequests = 1
	app := buildApp(t, &cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		resp, err := app.Handler.Handle(ctx, request(fmt.Sprintf("S%d", i), "CS102", payment.MethodInsufficientFunds, fmt.Sprintf("d-%d", i)))
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, saga.ErrCodePaymentFailed, resp.Error.Code)
		assert.False(t, resp.Error.Retryable)
	}

	assert.Equal(t, resilience.StateClosed, app.Breaker.GetState())
	assert.Equal(t, 0, app.DeadLetters.Len())

	n, err := app.Seats.Available(ctx, "CS102")
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	assert.Equal(t, 4.0, processCount(t, app, saga.ErrCodePaymentFailed))
}

func processCount(t *testing.T, app *App, code string) float64 {
	t.Helper()
	families, err := app.Registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != "enrollsaga_saga_process_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "code" && lp.GetValue() == code {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestBuild_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Idempotency.Backend = BackendRedis
	cfg.Capacity.Backend = BackendRedis
	cfg.Capacity.Seats = []SeatAllocation{{CourseID: "CS101", Total: 1}}
	cfg.Redis.Addr = mr.Addr()
	app := buildApp(t, &cfg)
	ctx := context.Background()

	first, err := app.Handler.Handle(ctx, request("S1", "CS101", "card", "r-1"))
	require.NoError(t, err)
	require.Nil(t, first.Error)

	second, err := app.Handler.Handle(ctx, request("S2", "CS101", "card", "r-2"))
	require.NoError(t, err)
	require.NotNil(t, second.Error)
	assert.Equal(t, saga.ErrCodeNoCapacity, second.Error.Code)

	// A second process sees the same seats and results.
	other := buildApp(t, &cfg)
	n, err := other.Seats.Available(ctx, "CS101")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	replay, err := other.Handler.Handle(ctx, request("S1", "CS101", "card", "r-1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Enrollment.ID, replay.Enrollment.ID)
}

func TestBuild_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultConfig()
	cfg.Idempotency.Backend = BackendRedis
	cfg.Redis.Addr = addr

	_, err := Build(context.Background(), &cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestBuild_InvalidEventBus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBus.Type = "nats"

	_, err := Build(context.Background(), &cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bus")
}

func TestApp_CloseAggregatesErrors(t *testing.T) {
	app := &App{}
	var order []string
	app.onClose("first", func(context.Context) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	app.onClose("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := app.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close first: boom")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.NoError(t, app.Close(context.Background()))
}

func TestProcessorHealthy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"success", nil, true},
		{"declined", payment.ErrCardDeclined, true},
		{"caller cancelled", fmt.Errorf("charge: %w", context.Canceled), true},
		{"gateway timeout", errors.New("gateway timeout"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, processorHealthy(tt.err))
		})
	}
}

func TestBuild_CancelledChargesDoNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig()
	app := buildApp(t, &cfg)

	for i := 0; i < int(cfg.Breaker.ConsecutiveFailureThreshold)*2; i++ {
		_, err := resilience.ExecuteWithResult(context.Background(), app.Breaker, func() (*enrollment.Receipt, error) {
			return nil, fmt.Errorf("charge: %w", context.Canceled)
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, resilience.StateClosed, app.Breaker.GetState())
}

func TestBuild_ReplayedDeclineKeepsProcessorError(t *testing.T) {
	cfg := DefaultConfig()
	app := buildApp(t, &cfg)
	ctx := context.Background()
	req := request("S1", "CS101", payment.MethodInsufficientFunds, "k-funds")

	_, first := app.Coordinator.Process(ctx, req)
	_, second := app.Coordinator.Process(ctx, req)
	for _, err := range []error{first, second} {
		require.Error(t, err)
		assert.True(t, errors.Is(err, saga.ErrPaymentFailed))
		assert.True(t, errors.Is(err, payment.ErrInsufficientFunds))
		assert.True(t, errors.Is(err, enrollment.ErrPaymentDeclined))
		assert.False(t, errors.Is(err, payment.ErrCardDeclined))
	}
	assert.Equal(t, first.Error(), second.Error())
}
