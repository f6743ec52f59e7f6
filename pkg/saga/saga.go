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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/innovationmech/enrollsaga/pkg/logger"
)

var (
	// ErrCommitted is returned when a step is executed on a committed saga.
	ErrCommitted = errors.New("saga already committed")
	// ErrRolledBack is returned when a rolled back saga is reused or committed.
	ErrRolledBack = errors.New("saga already rolled back")
)

// DefaultCompensationTimeout bounds a whole rollback when no option overrides it.
const DefaultCompensationTimeout = 30 * time.Second

// Instance is one in-process saga run. It holds the LIFO stack of compensations
// for completed steps and a committed flag. Once committed, no compensation ever
// runs. The instance is not persisted and is discarded when the run ends.
type Instance struct {
	id          string
	reverser    Reverser
	logger      *zap.Logger
	timeout     time.Duration
	deadLetters DeadLetterSink

	mu         sync.Mutex
	stack      []Compensation
	committed  bool
	rolledBack bool
}

// Option configures an Instance.
type Option func(*Instance)

// WithID sets the correlation id instead of a generated UUID.
func WithID(id string) Option {
	return func(i *Instance) { i.id = id }
}

// WithLogger sets the logger used for rollback diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(i *Instance) { i.logger = l }
}

// WithCompensationTimeout bounds the duration of Rollback.
func WithCompensationTimeout(d time.Duration) Option {
	return func(i *Instance) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithDeadLetters parks compensations that fail during rollback.
func WithDeadLetters(sink DeadLetterSink) Option {
	return func(i *Instance) { i.deadLetters = sink }
}

// New creates a saga instance that reverses compensations with r.
func New(r Reverser, opts ...Option) *Instance {
	i := &Instance{
		reverser: r,
		timeout:  DefaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.id == "" {
		i.id = uuid.NewString()
	}
	if i.logger == nil {
		i.logger = logger.GetLogger()
	}
	i.logger = i.logger.With(zap.String("saga_id", i.id))
	return i
}

// ID returns the saga correlation id.
func (i *Instance) ID() string {
	return i.id
}

// Push records the compensation of a completed step.
func (i *Instance) Push(c Compensation) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.closedLocked(); err != nil {
		return err
	}
	i.stack = append(i.stack, c)
	return nil
}

// Execute runs one step's forward action and pushes its compensation on success.
// It does not roll back; a failure is returned as a *SagaError tagged with the step.
// A forward action may return its own *SagaError to choose the code and type.
// A cancelled ctx fails the step without running it.
func (i *Instance) Execute(ctx context.Context, step Step) error {
	i.mu.Lock()
	err := i.closedLocked()
	i.mu.Unlock()
	if err != nil {
		return err
	}

	comp, err := i.forward(ctx, step)
	if se, ok := err.(*SagaError); ok {
		if se.Step == "" {
			se.Step = step.Name
		}
		return se.WithSagaID(i.id)
	}
	if err != nil {
		retryable := false
		if step.Retryable != nil {
			retryable = step.Retryable(err)
		}
		return WrapError(err, step.Code, step.Name, ErrorTypeTransactional, retryable).WithSagaID(i.id)
	}
	if comp == nil {
		return nil
	}
	if comp.Step == "" {
		comp.Step = step.Name
	}
	return i.Push(*comp)
}

func (i *Instance) forward(ctx context.Context, step Step) (*Compensation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return step.Forward(ctx)
}

// Run executes steps strictly in order. On the first failure it rolls back the
// completed steps and returns that failure with any compensation errors attached.
// A panic in a step also rolls back before it propagates.
func (i *Instance) Run(ctx context.Context, steps ...Step) error {
	defer func() {
		if r := recover(); r != nil {
			i.Rollback(ctx)
			panic(r)
		}
	}()

	for _, step := range steps {
		if err := i.Execute(ctx, step); err != nil {
			report := i.Rollback(ctx)
			var se *SagaError
			if errors.As(err, &se) {
				se.WithCompensation(report.Err())
			}
			return err
		}
	}
	return nil
}

// Commit disarms rollback. It fails if the saga was already rolled back.
func (i *Instance) Commit() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.rolledBack {
		return ErrRolledBack
	}
	i.committed = true
	i.stack = nil
	return nil
}

// Committed reports whether Commit succeeded.
func (i *Instance) Committed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.committed
}

// UnwindOrder returns the pending compensations in the order Rollback would run them.
func (i *Instance) UnwindOrder() []Compensation {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]Compensation, 0, len(i.stack))
	for k := len(i.stack) - 1; k >= 0; k-- {
		out = append(out, i.stack[k])
	}
	return out
}

// CompensationFailure is a reversal that failed during rollback.
type CompensationFailure struct {
	Compensation Compensation
	Err          error
}

// RollbackReport describes one rollback.
type RollbackReport struct {
	// Skipped is true when the saga was committed or already rolled back.
	Skipped  bool
	Executed []Compensation
	Failed   []CompensationFailure
}

// Err aggregates the compensation failures, or returns nil.
func (r RollbackReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, f := range r.Failed {
		result = multierror.Append(result, fmt.Errorf("%s: %w", f.Compensation, f.Err))
	}
	e := NewSagaError(ErrCodeCompensationFailed, fmt.Sprintf("%d compensation(s) failed", len(r.Failed)), ErrorTypeCompensation, false)
	e.Cause = result.ErrorOrNil()
	return e
}

// Rollback unwinds the compensation stack in LIFO order. A failing compensation
// is logged, parked and collected, and the unwind continues. Rollback runs on a
// context detached from ctx's cancellation, bounded by the compensation timeout.
// It is a no-op on a committed saga and runs at most once.
func (i *Instance) Rollback(ctx context.Context) RollbackReport {
	i.mu.Lock()
	if i.committed || i.rolledBack {
		i.mu.Unlock()
		return RollbackReport{Skipped: true}
	}
	i.rolledBack = true
	stack := i.stack
	i.stack = nil
	i.mu.Unlock()

	if len(stack) == 0 {
		return RollbackReport{}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	i.logger.Warn("rolling back saga", zap.Int("compensations", len(stack)))

	report := RollbackReport{}
	for k := len(stack) - 1; k >= 0; k-- {
		c := stack[k]
		report.Executed = append(report.Executed, c)

		err := i.reverse(rctx, c)
		if err == nil {
			i.logger.Info("compensation completed", zap.String("step", c.Step), zap.String("action", string(c.Action)))
			continue
		}

		i.logger.Error("compensation failed",
			zap.String("step", c.Step),
			zap.String("action", string(c.Action)),
			zap.String("target", c.Target),
			zap.Error(err))
		report.Failed = append(report.Failed, CompensationFailure{Compensation: c, Err: err})
		i.park(rctx, c, err)
	}
	return report
}

func (i *Instance) reverse(ctx context.Context, c Compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return i.reverser.Reverse(ctx, c)
}

func (i *Instance) park(ctx context.Context, c Compensation, cause error) {
	if i.deadLetters == nil {
		return
	}
	letter := DeadLetter{SagaID: i.id, Compensation: c, Reason: cause.Error()}
	if err := i.deadLetters.Park(context.WithoutCancel(ctx), letter); err != nil {
		i.logger.Error("failed to park compensation", zap.String("step", c.Step), zap.Error(err))
	}
}

func (i *Instance) closedLocked() error {
	if i.committed {
		return ErrCommitted
	}
	if i.rolledBack {
		return ErrRolledBack
	}
	return nil
}
