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
	"fmt"
	"time"
)

// Config holds coordinator settings.
type Config struct {
	// StepTimeout bounds each forward step; 0 means only the caller's deadline applies.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout" mapstructure:"step_timeout"`
	// CompensationTimeout bounds a whole rollback.
	CompensationTimeout time.Duration `json:"compensation_timeout" yaml:"compensation_timeout" mapstructure:"compensation_timeout"`
	// PublishTimeout bounds one detached event publish.
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout" mapstructure:"publish_timeout"`
	// PriceCents and Currency configure the default FixedPricer.
	PriceCents int64  `json:"price_cents" yaml:"price_cents" mapstructure:"price_cents"`
	Currency   string `json:"currency" yaml:"currency" mapstructure:"currency"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         10 * time.Second,
		CompensationTimeout: 30 * time.Second,
		PublishTimeout:      5 * time.Second,
		PriceCents:          4900,
		Currency:            "USD",
	}
}

// maxForwardSteps is the most forward steps one run executes.
const maxForwardSteps = 4

// RunBudget is the longest one run can take: every forward step at the step
// timeout, a full rollback and one publish. It is 0 when StepTimeout is 0 and
// runs are bounded only by the caller.
func (c *Config) RunBudget() time.Duration {
	if c.StepTimeout == 0 {
		return 0
	}
	return maxForwardSteps*c.StepTimeout + c.CompensationTimeout + c.PublishTimeout
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StepTimeout < 0 {
		return fmt.Errorf("step_timeout cannot be negative")
	}
	if c.CompensationTimeout <= 0 {
		return fmt.Errorf("compensation_timeout must be positive")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	if c.PriceCents < 0 {
		return fmt.Errorf("price_cents cannot be negative")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code")
	}
	return nil
}
