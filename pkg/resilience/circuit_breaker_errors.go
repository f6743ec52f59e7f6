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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOpenState 表示熔断器处于打开状态
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests 表示半开状态下探测请求已满
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitOpenError 是熔断器拒绝请求时返回的合成错误，下游没有被调用。
type CircuitOpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %q: %v", e.Name, ErrTooManyRequests)
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %q: %v (retry after %s)", e.Name, ErrOpenState, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q: %v", e.Name, ErrOpenState)
}

// Is 让 errors.Is(err, ErrOpenState) 与 errors.Is(err, ErrTooManyRequests) 可用。
func (e *CircuitOpenError) Is(target error) bool {
	switch target {
	case ErrOpenState:
		return e.State == StateOpen
	case ErrTooManyRequests:
		return e.State == StateHalfOpen
	}
	return false
}

// IsCircuitOpen 判断错误链中是否包含熔断器拒绝。
func IsCircuitOpen(err error) bool {
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}
