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

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestInFlight means another process holds the in-flight marker for the key.
	ErrRequestInFlight = errors.New("request with this idempotency key is already in flight")
	// ErrEmptyKey is returned for a blank idempotency key.
	ErrEmptyKey = errors.New("idempotency key is empty")
	// ErrInfrastructure is matched by every *InfrastructureError.
	ErrInfrastructure = errors.New("idempotency store unavailable")
)

// Result is the final outcome cached for an idempotency key: either a success
// payload or a terminal error code and message.
type Result struct {
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCause   string          `json:"error_cause,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Step         string          `json:"step,omitempty"`
	SagaID       string          `json:"saga_id,omitempty"`
	StoredAt     time.Time       `json:"stored_at"`

	fromCache bool
}

// Failed reports whether the cached outcome is a terminal error.
func (r *Result) Failed() bool {
	return r.ErrorCode != ""
}

// Store is the backing store of the Guard. Load must not report an expired entry.
type Store interface {
	// Load returns the non-expired result for key.
	Load(ctx context.Context, key string) (*Result, bool, error)
	// Save writes result for key, replacing any prior entry, expiring after ttl.
	Save(ctx context.Context, key string, result *Result, ttl time.Duration) error
	// Reserve atomically writes an in-flight marker owned by owner if none exists.
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Extend resets the marker's expiry to ttl if owner still holds it and
	// reports whether it does.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release deletes the marker if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// InfrastructureError wraps a backing store failure. It is never reported as
// "not found": callers must fail closed and may retry the whole request.
type InfrastructureError struct {
	Op  string
	Key string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("idempotency %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrInfrastructure) true.
func (e *InfrastructureError) Is(target error) bool {
	return target == ErrInfrastructure
}

// IsInfrastructure reports whether err came from the backing store.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}
