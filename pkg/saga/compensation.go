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
	"fmt"
	"sort"
	"strings"
)

// Action names a reversal operation understood by a Reverser.
type Action string

// Compensation is the reversal of one completed step, recorded as data so the
// stack can be logged, inspected and parked when the reversal fails.
type Compensation struct {
	Step   string            `json:"step"`
	Action Action            `json:"action"`
	Target string            `json:"target"`
	Args   map[string]string `json:"args,omitempty"`
}

// String renders the compensation for logs, e.g. "charge_payment:refund_payment(rcpt-1)".
func (c Compensation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s(%s", c.Step, c.Action, c.Target)
	if len(c.Args) > 0 {
		keys := make([]string, 0, len(c.Args))
		for k := range c.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, c.Args[k])
		}
	}
	b.WriteString(")")
	return b.String()
}

// Reverser executes compensations. Its errors are recorded by the saga and never
// returned to the caller of the saga run.
type Reverser interface {
	Reverse(ctx context.Context, c Compensation) error
}

// ReverserFunc adapts a function to Reverser.
type ReverserFunc func(ctx context.Context, c Compensation) error

// Reverse calls f(ctx, c).
func (f ReverserFunc) Reverse(ctx context.Context, c Compensation) error {
	return f(ctx, c)
}

// Step is one forward action in the transactional phase. Forward returns the
// compensation to push on success; a nil compensation means nothing to undo.
type Step struct {
	Name string
	// Code is the SagaError code used when Forward fails.
	Code    string
	Forward func(ctx context.Context) (*Compensation, error)
	// Retryable decides SagaError.Retryable for a failure. Nil means not retryable.
	Retryable func(err error) bool
}
