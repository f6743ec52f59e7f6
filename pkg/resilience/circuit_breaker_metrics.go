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
	"sync/atomic"
)

// Observer 接收熔断器事件，用于对接外部指标系统。
// 回调在熔断器锁内执行，实现必须快速返回且不能调用熔断器。
type Observer interface {
	ObserveRequest(name string)
	ObserveResult(name string, success bool)
	ObserveRejection(name string, state State)
	ObserveState(name string, state State)
}

// CircuitBreakerMetrics 是熔断器的进程内累计指标。
type CircuitBreakerMetrics struct {
	requests   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
	toClosed   atomic.Int64
	toOpen     atomic.Int64
	toHalfOpen atomic.Int64
}

// MetricsSnapshot 是某一时刻的指标快照。
type MetricsSnapshot struct {
	Requests          int64 `json:"requests"`
	Successes         int64 `json:"successes"`
	Failures          int64 `json:"failures"`
	Rejections        int64 `json:"rejections"`
	ChangesToClosed   int64 `json:"changes_to_closed"`
	ChangesToOpen     int64 `json:"changes_to_open"`
	ChangesToHalfOpen int64 `json:"changes_to_half_open"`
}

// NewCircuitBreakerMetrics 创建新的指标实例。
func NewCircuitBreakerMetrics() *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{}
}

// RecordRequest 记录一次放行的请求。
func (m *CircuitBreakerMetrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordSuccess 记录一次成功。
func (m *CircuitBreakerMetrics) RecordSuccess() {
	m.successes.Add(1)
}

// RecordFailure 记录一次失败。
func (m *CircuitBreakerMetrics) RecordFailure() {
	m.failures.Add(1)
}

// RecordRejection 记录一次拒绝。
func (m *CircuitBreakerMetrics) RecordRejection() {
	m.rejections.Add(1)
}

// RecordStateChange 记录一次进入 state 的状态切换。
func (m *CircuitBreakerMetrics) RecordStateChange(state State) {
	switch state {
	case StateClosed:
		m.toClosed.Add(1)
	case StateOpen:
		m.toOpen.Add(1)
	case StateHalfOpen:
		m.toHalfOpen.Add(1)
	}
}

// Snapshot 返回当前累计值。
func (m *CircuitBreakerMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:          m.requests.Load(),
		Successes:         m.successes.Load(),
		Failures:          m.failures.Load(),
		Rejections:        m.rejections.Load(),
		ChangesToClosed:   m.toClosed.Load(),
		ChangesToOpen:     m.toOpen.Load(),
		ChangesToHalfOpen: m.toHalfOpen.Load(),
	}
}

// FailureRate 返回累计失败率（0-1）。
func (s MetricsSnapshot) FailureRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}
