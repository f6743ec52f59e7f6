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

package resilience

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker 保护对不可靠下游（如支付网关）的调用。
//
// 状态机：
//   - Closed: 正常放行，统计窗口内的成功与失败
//   - Open: 直接返回 *CircuitOpenError，不调用下游
//   - Half-Open: 最多放行 MaxProbeRequests 个探测请求，任一失败重新打开，全部成功则关闭
//
// 熔断器从不重试，重试策略属于调用方。每次状态切换都会开启新的代（generation），
// 旧代中返回的结果会被丢弃。
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	trip   func(Counts) bool

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	probes     uint32

	metrics *CircuitBreakerMetrics
	clock   func() time.Time
}

// NewCircuitBreaker 创建一个新的熔断器实例。
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}

	cb := &CircuitBreaker{
		name:    config.Name,
		config:  config,
		trip:    config.tripFunc(),
		state:   StateClosed,
		metrics: NewCircuitBreakerMetrics(),
		clock:   time.Now,
	}
	cb.expiry = cb.windowExpiry(cb.clock())
	if config.Observer != nil {
		config.Observer.ObserveState(cb.name, StateClosed)
	}
	return cb, nil
}

// Name 返回熔断器名称。
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute 执行一次给定的操作，并根据结果更新熔断器状态。
// 被拒绝时返回 *CircuitOpenError，否则原样返回 operation 的错误。
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// ExecuteWithResult 执行给定的操作并返回结果。
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, operation func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return zero, err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	result, opErr := operation()
	cb.afterRequest(generation, cb.config.IsSuccessful(opErr))
	return result, opErr
}

// GetState 返回当前熔断器状态。
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.clock())
	return state
}

// GetCounts 返回当前窗口的统计计数。
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.currentState(cb.clock())
	return cb.counts
}

// GetMetrics 返回熔断器的累计指标。
func (cb *CircuitBreaker) GetMetrics() *CircuitBreakerMetrics {
	return cb.metrics
}

// Reset 强制回到关闭状态并清空计数。
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.toNewGeneration(cb.clock(), StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	state, generation := cb.currentState(now)

	switch {
	case state == StateOpen:
		cb.reject(state)
		return generation, &CircuitOpenError{Name: cb.name, State: state, RetryAfter: cb.expiry.Sub(now)}
	case state == StateHalfOpen && cb.probes >= cb.config.MaxProbeRequests:
		cb.reject(state)
		return generation, &CircuitOpenError{Name: cb.name, State: state}
	case state == StateHalfOpen:
		cb.probes++
	}

	cb.metrics.RecordRequest()
	if cb.config.Observer != nil {
		cb.config.Observer.ObserveRequest(cb.name)
	}
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	state, current := cb.currentState(now)

	if success {
		cb.metrics.RecordSuccess()
	} else {
		cb.metrics.RecordFailure()
	}
	if cb.config.Observer != nil {
		cb.config.Observer.ObserveResult(cb.name, success)
	}

	// 状态已切换，结果属于旧的一代
	if generation != current {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()
	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.MaxProbeRequests {
		cb.toNewGeneration(now, StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.trip(cb.counts) {
			cb.toNewGeneration(now, StateOpen)
		}
	case StateHalfOpen:
		cb.toNewGeneration(now, StateOpen)
	}
}

// currentState 返回当前状态和代数，必要时滚动窗口或从 Open 进入 Half-Open。
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && !now.Before(cb.expiry) {
			cb.toNewGeneration(now, StateClosed)
		}
	case StateOpen:
		if !now.Before(cb.expiry) {
			cb.toNewGeneration(now, StateHalfOpen)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time, newState State) {
	from := cb.state

	cb.generation++
	cb.counts = Counts{}
	cb.probes = 0
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.expiry = cb.windowExpiry(now)
	case StateOpen:
		cb.expiry = now.Add(cb.config.OpenTimeout)
	default:
		cb.expiry = time.Time{}
	}

	if from == newState {
		return
	}
	cb.metrics.RecordStateChange(newState)
	if cb.config.Observer != nil {
		cb.config.Observer.ObserveState(cb.name, newState)
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, newState)
	}
}

func (cb *CircuitBreaker) windowExpiry(now time.Time) time.Time {
	if cb.config.Interval == 0 {
		return time.Time{}
	}
	return now.Add(cb.config.Interval)
}

func (cb *CircuitBreaker) reject(state State) {
	cb.metrics.RecordRejection()
	if cb.config.Observer != nil {
		cb.config.Observer.ObserveRejection(cb.name, state)
	}
}
