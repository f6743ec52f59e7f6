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

// Package payment provides a sandbox payment processor for local runs.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

var (
	// ErrInsufficientFunds is a terminal decline.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", enrollment.ErrPaymentDeclined)
	// ErrCardDeclined is a terminal decline.
	ErrCardDeclined = fmt.Errorf("%w: card declined", enrollment.ErrPaymentDeclined)
	// ErrUnknownReceipt is returned when refunding a receipt the processor never issued.
	ErrUnknownReceipt = errors.New("unknown receipt")
	// ErrInvalidAmount rejects non-positive charges.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Config configures the sandbox.
type Config struct {
	// DeclineMethods lists payment methods that are always declined.
	DeclineMethods []string `json:"decline_methods" yaml:"decline_methods" mapstructure:"decline_methods"`
	// Latency is added to every call.
	Latency time.Duration `json:"latency" yaml:"latency" mapstructure:"latency"`
}

// MethodInsufficientFunds is always declined with ErrInsufficientFunds.
const MethodInsufficientFunds = "insufficient_funds"

type charge struct {
	receipt  enrollment.Receipt
	refunded bool
}

// Sandbox is an in-memory PaymentProcessor. Methods in DeclineMethods are
// declined with ErrCardDeclined and MethodInsufficientFunds with
// ErrInsufficientFunds. Refunds are idempotent per receipt.
type Sandbox struct {
	config  Config
	decline map[string]struct{}

	mu      sync.Mutex
	charges map[string]*charge
}

var _ enrollment.PaymentProcessor = (*Sandbox)(nil)

// NewSandbox creates a sandbox processor.
func NewSandbox(config Config) *Sandbox {
	decline := make(map[string]struct{}, len(config.DeclineMethods))
	for _, m := range config.DeclineMethods {
		decline[strings.ToLower(m)] = struct{}{}
	}
	return &Sandbox{config: config, decline: decline, charges: map[string]*charge{}}
}

func (s *Sandbox) Charge(ctx context.Context, amount enrollment.Money, method string, _ map[string]string) (*enrollment.Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if amount.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	m := strings.ToLower(method)
	if m == MethodInsufficientFunds {
		return nil, ErrInsufficientFunds
	}
	if _, ok := s.decline[m]; ok {
		return nil, ErrCardDeclined
	}

	r := enrollment.Receipt{
		ID:        "rcpt_" + uuid.NewString(),
		Amount:    amount,
		Method:    method,
		ChargedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.charges[r.ID] = &charge{receipt: r}
	s.mu.Unlock()
	return &r, nil
}

func (s *Sandbox) Refund(ctx context.Context, receiptID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[receiptID]
	if !ok {
		return fmt.Errorf("refund %s: %w", receiptID, ErrUnknownReceipt)
	}
	c.refunded = true
	return nil
}

// Refunded reports whether receiptID was charged and then refunded.
func (s *Sandbox) Refunded(receiptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[receiptID]
	return ok && c.refunded
}

// Balance returns the net amount charged in cents.
func (s *Sandbox) Balance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, c := range s.charges {
		if !c.refunded {
			total += c.receipt.Amount.AmountCents
		}
	}
	return total
}

func (s *Sandbox) wait(ctx context.Context) error {
	if s.config.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.config.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
