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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/enrollsaga/pkg/capacity"
	"github.com/innovationmech/enrollsaga/pkg/idempotency"
	"github.com/innovationmech/enrollsaga/pkg/logger"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
)

// Step names, in execution order.
const (
	StepReserveSeat       = "reserve_seat"
	StepChargePayment     = "charge_payment"
	StepPersistEnrollment = "persist_enrollment"
	StepAttachHistory     = "attach_history"
)

// Pre-flight check names reported in SagaError.Step.
const (
	checkRequest     = "validate_request"
	checkEligibility = "validate_eligibility"
	checkCapacity    = "check_capacity"
	checkPrice       = "price_course"
)

const tracerName = "github.com/innovationmech/enrollsaga/internal/enrollment"

// Dependencies are the collaborators of a Coordinator.
type Dependencies struct {
	// Required.
	Guard    *idempotency.Guard
	Capacity capacity.Counter
	Breaker  *resilience.CircuitBreaker
	Payments PaymentProcessor
	Records  RecordStore
	Bus      EventBus

	// Optional. A nil History skips the attach_history step and a nil
	// Eligibility skips the eligibility check. Pricer defaults to the
	// configured fixed price.
	History        HistoryStore
	Eligibility    EligibilityValidator
	Pricer         Pricer
	RefundRetrier  *resilience.Retrier
	DeadLetters    saga.DeadLetterSink
	Metrics        MetricsCollector
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Validate checks that the required collaborators are set.
func (d *Dependencies) Validate() error {
	switch {
	case d.Guard == nil:
		return fmt.Errorf("idempotency guard is required")
	case d.Capacity == nil:
		return fmt.Errorf("capacity counter is required")
	case d.Breaker == nil:
		return fmt.Errorf("circuit breaker is required")
	case d.Payments == nil:
		return fmt.Errorf("payment processor is required")
	case d.Records == nil:
		return fmt.Errorf("record store is required")
	case d.Bus == nil:
		return fmt.Errorf("event bus is required")
	}
	return nil
}

// Coordinator runs one enrollment saga per request.
//
// A request is validated, deduplicated by its idempotency key, checked for
// eligibility and capacity, and then driven through reserve_seat,
// charge_payment, persist_enrollment and attach_history. The first failing
// step rolls back the completed ones in reverse order. After commit the
// enrollment.created event is published in the background.
type Coordinator struct {
	config      Config
	guard       *idempotency.Guard
	capacity    capacity.Counter
	breaker     *resilience.CircuitBreaker
	payments    PaymentProcessor
	records     RecordStore
	history     HistoryStore
	eligibility EligibilityValidator
	pricer      Pricer
	deadLetters saga.DeadLetterSink
	compensator *compensator
	publisher   *EventPublisher
	metrics     MetricsCollector
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(config Config, deps Dependencies) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	l := deps.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NoopMetrics()
	}
	pricer := deps.Pricer
	if pricer == nil {
		pricer = FixedPricer{AmountCents: config.PriceCents, Currency: config.Currency}
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Coordinator{
		config:      config,
		guard:       deps.Guard,
		capacity:    deps.Capacity,
		breaker:     deps.Breaker,
		payments:    deps.Payments,
		records:     deps.Records,
		history:     deps.History,
		eligibility: deps.Eligibility,
		pricer:      pricer,
		deadLetters: deps.DeadLetters,
		compensator: &compensator{
			capacity: deps.Capacity,
			payments: deps.Payments,
			records:  deps.Records,
			history:  deps.History,
			retrier:  deps.RefundRetrier,
			metrics:  metrics,
			logger:   l,
		},
		publisher: NewEventPublisher(deps.Bus, config.PublishTimeout, metrics, l),
		metrics:   metrics,
		logger:    l,
		tracer:    tp.Tracer(tracerName),
		now:       time.Now,
	}, nil
}

// Process enrolls req.StudentID into req.CourseID. On failure the error is a
// *saga.SagaError naming the failing phase, step and saga id.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Enrollment, error) {
	out, err := c.ProcessDetailed(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Enrollment, nil
}

// ProcessDetailed is Process and also reports whether the outcome was replayed
// from an earlier request with the same idempotency key.
func (c *Coordinator) ProcessDetailed(ctx context.Context, req Request) (*Outcome, error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "enrollment.process", trace.WithAttributes(
		attribute.String("enrollment.student_id", req.StudentID),
		attribute.String("enrollment.course_id", req.CourseID),
	))
	defer span.End()

	out, err := c.process(ctx, req)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordProcess(OutcomeFailed, saga.CodeOf(err), elapsed)
	case out.Replayed:
		span.SetAttributes(attribute.Bool("enrollment.replayed", true))
		c.metrics.RecordProcess(OutcomeReplayed, "", elapsed)
	default:
		span.SetStatus(codes.Ok, "")
		c.metrics.RecordProcess(OutcomeCommitted, "", elapsed)
	}
	return out, err
}

// Close waits for background event publishes to finish or ctx to expire.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.publisher.Close(ctx)
}

func (c *Coordinator) process(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, rejection(saga.ErrCodeValidationFailed, "invalid enrollment request", checkRequest, err)
	}

	result, replayed, err := c.guard.Do(ctx, req.IdempotencyKey, func(ctx context.Context) (*idempotency.Result, error) {
		return c.run(ctx, req)
	})
	if err != nil {
		return nil, idempotencyError(err)
	}
	if result == nil {
		return nil, saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "idempotency guard returned no result", nil)
	}
	if result.Failed() {
		return nil, replayedFailure(result)
	}

	var e Enrollment
	if err := json.Unmarshal(result.Payload, &e); err != nil {
		return nil, saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "corrupt idempotency record", err)
	}
	return &Outcome{Enrollment: &e, Replayed: replayed}, nil
}

// run is the body executed at most once per idempotency key.
func (c *Coordinator) run(ctx context.Context, req Request) (*idempotency.Result, error) {
	inst := saga.New(c.compensator,
		saga.WithLogger(c.logger),
		saga.WithCompensationTimeout(c.config.CompensationTimeout),
		saga.WithDeadLetters(c.deadLetters),
	)
	log := c.logger.With(
		zap.String("saga_id", inst.ID()),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("subject_id", req.StudentID),
		zap.String("resource_id", req.CourseID),
	)

	amount, err := c.preflight(ctx, req)
	if err != nil {
		log.Info("enrollment rejected", zap.Error(err))
		return nil, withSagaID(err, inst.ID())
	}

	state := &runState{}
	if err := inst.Run(ctx, c.steps(inst.ID(), req, amount, state)...); err != nil {
		log.Warn("enrollment saga failed", zap.Error(err))
		return failureResult(err), err
	}
	if err := inst.Commit(); err != nil {
		return nil, saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "failed to commit saga", err).WithSagaID(inst.ID())
	}
	log.Info("enrollment committed",
		zap.String("enrollment_id", state.enrollment.ID),
		zap.String("receipt_id", state.receipt.ID))

	c.publisher.PublishCreated(ctx, state.enrollment)

	payload, err := json.Marshal(state.enrollment)
	if err != nil {
		return nil, saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "failed to encode enrollment", err).WithSagaID(inst.ID())
	}
	return &idempotency.Result{Payload: payload, SagaID: inst.ID()}, nil
}

// preflight runs the side-effect-free checks and prices the course.
func (c *Coordinator) preflight(ctx context.Context, req Request) (Money, error) {
	ctx, span := c.tracer.Start(ctx, "enrollment.preflight")
	defer span.End()

	if c.eligibility != nil {
		if err := c.eligibility.Validate(ctx, req.StudentID, req.CourseID); err != nil {
			if errors.Is(err, ErrNotEligible) {
				return Money{}, rejection(saga.ErrCodeValidationFailed, "student is not eligible for this course", checkEligibility, err)
			}
			e := saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "eligibility check unavailable", err)
			e.Step = checkEligibility
			return Money{}, e
		}
	}

	available, err := c.capacity.Available(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, capacity.ErrUnknownResource) {
			return Money{}, rejection(saga.ErrCodeValidationFailed, "unknown course", checkCapacity, err)
		}
		e := saga.NewInfrastructureError(saga.ErrCodeCapacityUnavailable, "capacity counter unavailable", err)
		e.Step = checkCapacity
		return Money{}, e
	}
	if available <= 0 {
		return Money{}, rejection(saga.ErrCodeNoCapacity, "no seats available", checkCapacity, &capacity.NoCapacityError{ResourceID: req.CourseID})
	}

	amount, err := c.pricer.Price(ctx, req.CourseID)
	if err != nil {
		return Money{}, rejection(saga.ErrCodeValidationFailed, "course cannot be priced", checkPrice, err)
	}
	return amount, nil
}

// runState carries values from earlier steps to later ones.
type runState struct {
	receipt    *Receipt
	enrollment *Enrollment
}

func (c *Coordinator) steps(sagaID string, req Request, amount Money, state *runState) []saga.Step {
	steps := []saga.Step{
		{
			Name:      StepReserveSeat,
			Code:      saga.ErrCodeCapacityUnavailable,
			Retryable: always,
			Forward: func(ctx context.Context) (*saga.Compensation, error) {
				if err := c.capacity.TryReserve(ctx, req.CourseID); err != nil {
					switch {
					case errors.Is(err, capacity.ErrNoCapacity):
						return nil, saga.NewRejection(saga.ErrCodeNoCapacity, "no seats available", err)
					case errors.Is(err, capacity.ErrUnknownResource):
						return nil, saga.NewRejection(saga.ErrCodeValidationFailed, "unknown course", err)
					}
					return nil, saga.NewInfrastructureError(saga.ErrCodeCapacityUnavailable, "failed to reserve seat", err)
				}
				return &saga.Compensation{Action: ActionReleaseSeat, Target: req.CourseID}, nil
			},
		},
		{
			Name:      StepChargePayment,
			Code:      saga.ErrCodePaymentFailed,
			Retryable: func(err error) bool { return !errors.Is(err, ErrPaymentDeclined) },
			Forward: func(ctx context.Context) (*saga.Compensation, error) {
				metadata := map[string]string{
					"saga_id":         sagaID,
					"student_id":      req.StudentID,
					"course_id":       req.CourseID,
					"idempotency_key": req.IdempotencyKey,
				}
				receipt, err := resilience.ExecuteWithResult(ctx, c.breaker, func() (*Receipt, error) {
					return c.payments.Charge(ctx, amount, req.PaymentMethod, metadata)
				})
				if err != nil {
					return nil, err
				}
				state.receipt = receipt
				return &saga.Compensation{Action: ActionRefundPayment, Target: receipt.ID}, nil
			},
		},
		{
			Name:      StepPersistEnrollment,
			Code:      saga.ErrCodePersistenceFailed,
			Retryable: always,
			Forward: func(ctx context.Context) (*saga.Compensation, error) {
				e := &Enrollment{
					ID:          uuid.NewString(),
					StudentID:   req.StudentID,
					CourseID:    req.CourseID,
					Status:      StatusActive,
					ReceiptID:   state.receipt.ID,
					AmountCents: amount.AmountCents,
					Currency:    amount.Currency,
					SagaID:      sagaID,
					CreatedAt:   c.now().UTC(),
				}
				if err := c.records.Save(ctx, e); err != nil {
					return nil, err
				}
				state.enrollment = e
				return &saga.Compensation{Action: ActionDeleteEnrollment, Target: e.ID}, nil
			},
		},
	}

	if c.history != nil {
		steps = append(steps, saga.Step{
			Name:      StepAttachHistory,
			Code:      saga.ErrCodePersistenceFailed,
			Retryable: always,
			Forward: func(ctx context.Context) (*saga.Compensation, error) {
				if err := c.history.Attach(ctx, req.StudentID, req.CourseID, state.enrollment.ID); err != nil {
					return nil, err
				}
				return &saga.Compensation{
					Action: ActionDetachHistory,
					Target: req.CourseID,
					Args:   map[string]string{argStudentID: req.StudentID},
				}, nil
			},
		})
	}

	for k := range steps {
		steps[k] = c.instrument(steps[k])
	}
	return steps
}

// instrument bounds a step by the step timeout and records a span and metrics.
func (c *Coordinator) instrument(step saga.Step) saga.Step {
	forward := step.Forward
	name := step.Name
	step.Forward = func(ctx context.Context) (*saga.Compensation, error) {
		if c.config.StepTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.StepTimeout)
			defer cancel()
		}
		ctx, span := c.tracer.Start(ctx, "enrollment.step."+name)
		defer span.End()

		start := c.now()
		comp, err := forward(ctx)
		c.metrics.RecordStep(name, err == nil, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return comp, err
	}
	return step
}

func always(error) bool {
	return true
}

func rejection(code, message, step string, cause error) *saga.SagaError {
	e := saga.NewRejection(code, message, cause)
	e.Step = step
	return e
}

func withSagaID(err error, id string) error {
	if se, ok := saga.AsSagaError(err); ok {
		se.WithSagaID(id)
	}
	return err
}

// errorKindDeclined marks a cached failure whose cause was a payment decline.
const errorKindDeclined = "payment_declined"

// failureResult returns the cacheable record of a terminal failure, or nil
// when the failure may succeed on retry.
func failureResult(err error) *idempotency.Result {
	se, ok := saga.AsSagaError(err)
	if !ok || se.Retryable || se.Code != saga.ErrCodePaymentFailed {
		return nil
	}
	r := &idempotency.Result{
		ErrorCode:    se.Code,
		ErrorMessage: se.Message,
		Step:         se.Step,
		SagaID:       se.SagaID,
	}
	if se.Cause != nil {
		r.ErrorCause = se.Cause.Error()
	}
	if errors.Is(err, ErrPaymentDeclined) {
		r.ErrorKind = errorKindDeclined
	}
	return r
}

// replayedFailure rebuilds the error of a cached terminal failure.
func replayedFailure(r *idempotency.Result) *saga.SagaError {
	e := saga.NewSagaError(r.ErrorCode, r.ErrorMessage, saga.ErrorTypeTransactional, false)
	e.Step = r.Step
	switch {
	case r.ErrorKind == errorKindDeclined:
		e.Cause = &declinedError{msg: r.ErrorCause}
	case r.ErrorCause != "":
		e.Cause = errors.New(r.ErrorCause)
	}
	return e.WithSagaID(r.SagaID).WithDetail("replayed", true)
}

// declinedError stands in for a decline read back from the idempotency store.
// It matches ErrPaymentDeclined and any decline error with the same message,
// such as a processor's sentinel.
type declinedError struct {
	msg string
}

func (e *declinedError) Error() string {
	return e.msg
}

func (e *declinedError) Is(target error) bool {
	return target == ErrPaymentDeclined || (target != nil && target.Error() == e.msg)
}

// idempotencyError maps guard failures onto the error taxonomy. Saga errors
// returned by the run itself pass through.
func idempotencyError(err error) error {
	if _, ok := saga.AsSagaError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, idempotency.ErrRequestInFlight):
		return saga.NewInfrastructureError(saga.ErrCodeRequestInFlight, "a request with this idempotency key is in flight", err)
	case errors.Is(err, idempotency.ErrEmptyKey):
		return rejection(saga.ErrCodeValidationFailed, "invalid enrollment request", checkRequest, err)
	default:
		return saga.NewInfrastructureError(saga.ErrCodeInfrastructure, "idempotency check failed", err)
	}
}
