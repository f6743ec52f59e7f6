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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy 定义重试退避的策略类型。
type Strategy string

const (
	// StrategyFixed 固定间隔
	StrategyFixed Strategy = "FIXED"
	// StrategyLinear 线性退避
	StrategyLinear Strategy = "LINEAR"
	// StrategyExponential 指数退避
	StrategyExponential Strategy = "EXPONENTIAL"
	// StrategyJittered 指数退避 + 抖动
	StrategyJittered Strategy = "JITTERED"
	// StrategyNone 不重试
	StrategyNone Strategy = "NONE"
)

// RetryConfig 是重试执行器的配置，用于补偿动作（例如退款）。
type RetryConfig struct {
	// MaxRetries 首次调用之后的最大重试次数
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// InitialDelay 第一次重试前的延迟
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`

	// MaxDelay 单次延迟上限，0 表示不限制
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`

	// Multiplier 指数退避倍率
	Multiplier float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`

	// Strategy 退避策略
	Strategy Strategy `json:"strategy" yaml:"strategy" mapstructure:"strategy"`

	// JitterPercent 抖动百分比 [0,100]
	JitterPercent float64 `json:"jitter_percent" yaml:"jitter_percent" mapstructure:"jitter_percent"`
}

// DefaultRetryConfig 返回退款补偿使用的默认值。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Strategy:      StrategyExponential,
		JitterPercent: 10.0,
	}
}

// Validate 校验配置合法性。
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max_delay cannot be negative")
	}
	if c.Multiplier <= 0 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) {
		return fmt.Errorf("multiplier must be a positive finite number")
	}
	if c.JitterPercent < 0 || c.JitterPercent > 100 {
		return fmt.Errorf("jitter_percent must be between 0 and 100")
	}
	switch c.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyJittered, StrategyNone:
	default:
		return fmt.Errorf("unknown retry strategy %q", c.Strategy)
	}
	return nil
}

// backoff 计算每次重试的延迟。随机源被多个 saga 并发使用，需要加锁。
type backoff struct {
	cfg RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay 返回第 attempt 次重试（从 1 开始）前的等待时间。
func (b *backoff) delay(attempt int) time.Duration {
	if attempt <= 0 || b.cfg.Strategy == StrategyNone {
		return 0
	}

	d := b.cfg.InitialDelay
	switch b.cfg.Strategy {
	case StrategyLinear:
		d = time.Duration(float64(d) * float64(attempt))
	case StrategyExponential, StrategyJittered:
		d = time.Duration(float64(d) * math.Pow(b.cfg.Multiplier, float64(attempt-1)))
	}

	if b.cfg.JitterPercent > 0 {
		d = b.jitter(d)
	}
	if b.cfg.MaxDelay > 0 && d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *backoff) jitter(d time.Duration) time.Duration {
	p := b.cfg.JitterPercent / 100.0

	b.mu.Lock()
	f := b.rng.Float64()
	b.mu.Unlock()

	// [1-p, 1+p] 区间随机缩放
	return time.Duration(float64(d) * (1 - p + 2*p*f))
}

// ShouldRetryFn 判断错误是否可重试。
type ShouldRetryFn func(error) bool

// OnRetryFn 在每次重试前调用。
type OnRetryFn func(attempt int, err error, delay time.Duration)

// Retrier 按 RetryConfig 重试一个操作。它不与熔断器组合：补偿调用无论下游状态如何都要尝试。
type Retrier struct {
	cfg         RetryConfig
	backoff     *backoff
	shouldRetry ShouldRetryFn
	onRetry     OnRetryFn
}

// RetryOption 配置 Retrier 的可选行为。
type RetryOption func(*Retrier)

// WithShouldRetry 覆盖默认的可重试判断。
func WithShouldRetry(fn ShouldRetryFn) RetryOption {
	return func(r *Retrier) { r.shouldRetry = fn }
}

// WithOnRetry 设置重试回调。
func WithOnRetry(fn OnRetryFn) RetryOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// NewRetrier 校验配置并创建 Retrier。
func NewRetrier(cfg RetryConfig, opts ...RetryOption) (*Retrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Retrier{
		cfg:     cfg,
		backoff: newBackoff(cfg),
		shouldRetry: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Do 执行 op，失败时按策略重试，返回最后一次的错误。
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if r.cfg.Strategy == StrategyNone || attempt >= r.cfg.MaxRetries || !r.shouldRetry(err) {
			return err
		}

		wait := r.backoff.delay(attempt + 1)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
