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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/enrollsaga/pkg/capacity"
	"github.com/innovationmech/enrollsaga/pkg/idempotency"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
)

const (
	testCourse = "CS101"
	testSeats  = 20
)

type fakePayments struct {
	mu           sync.Mutex
	charges      int
	refunds      []string
	chargeErr    error
	refundErr    error
	refundFailN  int
	refundCalls  int
	refundDelay  time.Duration
	onCharge     func(ctx context.Context)
	lastMetadata map[string]string
}

func (p *fakePayments) Charge(ctx context.Context, amount Money, method string, metadata map[string]string) (*Receipt, error) {
	p.mu.Lock()
	p.charges++
	n := p.charges
	p.lastMetadata = metadata
	err := p.chargeErr
	hook := p.onCharge
	p.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &Receipt{ID: fmt.Sprintf("rcpt-%d", n), Amount: amount, Method: method, ChargedAt: time.Now()}, nil
}

func (p *fakePayments) Refund(_ context.Context, receiptID string) error {
	time.Sleep(p.refundDelay)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundCalls++
	if p.refundCalls <= p.refundFailN {
		return errors.New("processor busy")
	}
	if p.refundErr != nil {
		return p.refundErr
	}
	p.refunds = append(p.refunds, receiptID)
	return nil
}

func (p *fakePayments) setChargeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chargeErr = err
}

func (p *fakePayments) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

func (p *fakePayments) refunded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refunds...)
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]*Enrollment
	saveErr error
	onSave  func(ctx context.Context)
	deletes int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: map[string]*Enrollment{}}
}

func (r *fakeRecords) Save(ctx context.Context, e *Enrollment) error {
	if r.onSave != nil {
		r.onSave(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := *e
	r.records[e.ID] = &cp
	return nil
}

func (r *fakeRecords) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	delete(r.records, id)
	return nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeHistory struct {
	mu        sync.Mutex
	courses   map[string][]string
	attachErr error
	detached  int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{courses: map[string][]string{}}
}

func (h *fakeHistory) Attach(_ context.Context, studentID, courseID, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attachErr != nil {
		return h.attachErr
	}
	h.courses[studentID] = append(h.courses[studentID], courseID)
	return nil
}

func (h *fakeHistory) Detach(_ context.Context, studentID, courseID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached++
	kept := h.courses[studentID][:0]
	for _, c := range h.courses[studentID] {
		if c != courseID {
			kept = append(kept, c)
		}
	}
	h.courses[studentID] = kept
	return nil
}

func (h *fakeHistory) of(studentID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.courses[studentID]...)
}

type published struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, published{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.events...)
}

type eligibilityFunc func(ctx context.Context, studentID, courseID string) error

func (f eligibilityFunc) Validate(ctx context.Context, studentID, courseID string) error {
	return f(ctx, studentID, courseID)
}

// brokenStore fails every operation like an unreachable backing store.
type brokenStore struct{}

func (brokenStore) Load(context.Context, string) (*idempotency.Result, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenStore) Save(context.Context, string, *idempotency.Result, time.Duration) error {
	return errors.New("connection refused")
}

func (brokenStore) Reserve(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenStore) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenStore) Release(context.Context, string, string) error {
	return errors.New("connection refused")
}

type harness struct {
	coord    *Coordinator
	seats    *capacity.MemoryCounter
	store    idempotency.Store
	breaker  *resilience.CircuitBreaker
	payments *fakePayments
	records  *fakeRecords
	history  *fakeHistory
	bus      *fakeBus
	dlq      *saga.DeadLetterQueue
}

func newHarness(t *testing.T, customize ...func(*Dependencies)) *harness {
	t.Helper()

	h := &harness{
		seats:    capacity.NewMemoryCounter(map[string]int64{testCourse: testSeats, "FULL": 0}),
		store:    idempotency.NewMemoryStore(),
		payments: &fakePayments{},
		records:  newFakeRecords(),
		history:  newFakeHistory(),
		bus:      &fakeBus{},
	}

	var err error
	h.breaker, err = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	require.NoError(t, err)
	h.dlq, err = saga.NewDeadLetterQueue(saga.DefaultDeadLetterConfig())
	require.NoError(t, err)

	deps := Dependencies{
		Capacity:    h.seats,
		Breaker:     h.breaker,
		Payments:    h.payments,
		Records:     h.records,
		History:     h.history,
		Bus:         h.bus,
		DeadLetters: h.dlq,
		Logger:      zap.NewNop(),
	}
	for _, fn := range customize {
		fn(&deps)
	}
	if deps.Guard == nil {
		deps.Guard, err = idempotency.NewGuard(h.store, idempotency.DefaultConfig(), idempotency.WithLogger(zap.NewNop()))
		require.NoError(t, err)
	}

	h.coord, err = NewCoordinator(DefaultConfig(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.coord.Close(ctx)
	})
	return h
}

func (h *harness) available(t *testing.T, course string) int64 {
	t.Helper()
	n, err := h.seats.Available(context.Background(), course)
	require.NoError(t, err)
	return n
}

// drain waits for background publishes.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.Close(ctx))
}

func newRequest(key string) Request {
	return Request{
		StudentID:      "S1",
		CourseID:       testCourse,
		PaymentMethod:  "card",
		IdempotencyKey: key,
	}
}

func requireSagaError(t *testing.T, err error, code string) *saga.SagaError {
	t.Helper()
	require.Error(t, err)
	se, ok := saga.AsSagaError(err)
	require.True(t, ok, "expected *saga.SagaError, got %T: %v", err, err)
	require.Equal(t, code, se.Code, "unexpected error: %v", err)
	return se
}

func newBrokenGuard() (*idempotency.Guard, error) {
	return idempotency.NewGuard(brokenStore{}, idempotency.DefaultConfig(), idempotency.WithLogger(zap.NewNop()))
}
