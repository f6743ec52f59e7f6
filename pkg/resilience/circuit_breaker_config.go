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
	"fmt"
	"time"
)

// CircuitBreakerConfig 定义熔断器的配置参数。
//
// 在 Closed 状态下，窗口内请求数达到 MinimumRequests 且
// (失败率 >= FailureRatioThreshold 或 连续失败数 >= ConsecutiveFailureThreshold) 时打开电路。
type CircuitBreakerConfig struct {
	// Name 熔断器名称，用于日志和指标标识
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// MaxProbeRequests 半开状态下允许通过的探测请求数
	MaxProbeRequests uint32 `json:"max_probe_requests" yaml:"max_probe_requests" mapstructure:"max_probe_requests"`

	// Interval 关闭状态下的滚动统计窗口，为 0 时计数只在状态切换时清零
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// OpenTimeout 打开状态持续时间，超时后进入半开状态
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" mapstructure:"open_timeout"`

	// ConsecutiveFailureThreshold 连续失败阈值，为 0 表示不启用
	ConsecutiveFailureThreshold uint32 `json:"consecutive_failure_threshold" yaml:"consecutive_failure_threshold" mapstructure:"consecutive_failure_threshold"`

	// FailureRatioThreshold 失败率阈值（0-1），为 0 表示不启用
	FailureRatioThreshold float64 `json:"failure_ratio_threshold" yaml:"failure_ratio_threshold" mapstructure:"failure_ratio_threshold"`

	// MinimumRequests 窗口内最小请求数，未达到时不会打开电路
	MinimumRequests uint32 `json:"minimum_requests" yaml:"minimum_requests" mapstructure:"minimum_requests"`

	// ReadyToTrip 自定义打开条件，未设置时使用上面的阈值
	ReadyToTrip func(counts Counts) bool `json:"-" yaml:"-" mapstructure:"-"`

	// IsSuccessful 判断调用结果是否成功，未设置时 err == nil 视为成功
	IsSuccessful func(err error) bool `json:"-" yaml:"-" mapstructure:"-"`

	// OnStateChange 状态变化回调，在持有锁时调用，不能回调熔断器自身
	OnStateChange func(name string, from State, to State) `json:"-" yaml:"-" mapstructure:"-"`

	// Observer 外部指标采集器（例如 Prometheus）
	Observer Observer `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultCircuitBreakerConfig 返回熔断器的默认配置。
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                        "payment",
		MaxProbeRequests:            1,
		Interval:                    60 * time.Second,
		OpenTimeout:                 30 * time.Second,
		ConsecutiveFailureThreshold: 5,
		FailureRatioThreshold:       0.5,
		MinimumRequests:             5,
	}
}

// Validate 校验配置合法性。
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name cannot be empty")
	}
	if c.MaxProbeRequests == 0 {
		return fmt.Errorf("max_probe_requests must be greater than 0")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval cannot be negative")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive")
	}
	if c.FailureRatioThreshold < 0 || c.FailureRatioThreshold > 1 {
		return fmt.Errorf("failure_ratio_threshold must be between 0 and 1")
	}
	if c.MinimumRequests == 0 {
		return fmt.Errorf("minimum_requests must be greater than 0")
	}
	if c.ReadyToTrip == nil && c.ConsecutiveFailureThreshold == 0 && c.FailureRatioThreshold == 0 {
		return fmt.Errorf("either consecutive_failure_threshold or failure_ratio_threshold must be set")
	}
	return nil
}

// tripFunc 根据阈值构造默认的打开条件。
func (c *CircuitBreakerConfig) tripFunc() func(Counts) bool {
	if c.ReadyToTrip != nil {
		return c.ReadyToTrip
	}
	minimum := c.MinimumRequests
	consecutive := c.ConsecutiveFailureThreshold
	ratio := c.FailureRatioThreshold
	return func(counts Counts) bool {
		if counts.Requests < minimum {
			return false
		}
		if consecutive > 0 && counts.ConsecutiveFailures >= consecutive {
			return true
		}
		return ratio > 0 && counts.FailureRate() >= ratio
	}
}

// State 表示熔断器的状态。
type State int

const (
	// StateClosed 关闭状态，正常处理请求
	StateClosed State = iota
	// StateHalfOpen 半开状态，只放行有限的探测请求
	StateHalfOpen
	// StateOpen 打开状态，直接拒绝请求
	StateOpen
)

// String 返回状态的字符串表示。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown state: %d", s)
	}
}

// Counts 记录当前窗口内的请求统计。
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRate 计算失败率（0-1）。
func (c Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
