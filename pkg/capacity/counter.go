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

// Package capacity tracks bounded per-resource units such as seats in a course.
//
// TryReserve and Release are the only mutations and are atomic with respect to
// each other, so two reservations of the last unit never both succeed and the
// count is never observed negative. Release saturates at the resource's total:
// it is used as a compensation with at-least-once semantics, and a duplicate
// release must not create capacity beyond what exists.
package capacity

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity is matched by every *NoCapacityError.
	ErrNoCapacity = errors.New("no capacity available")
	// ErrUnknownResource is returned for a resource that has no configured capacity.
	ErrUnknownResource = errors.New("unknown resource")
)

// NoCapacityError reports a reservation refused because nothing is left.
type NoCapacityError struct {
	ResourceID string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("resource %s: %v", e.ResourceID, ErrNoCapacity)
}

// Is makes errors.Is(err, ErrNoCapacity) true.
func (e *NoCapacityError) Is(target error) bool {
	return target == ErrNoCapacity
}

// Counter is a shared, atomic per-resource counter.
type Counter interface {
	// TryReserve decrements the count if it is positive; otherwise it returns
	// *NoCapacityError and changes nothing.
	TryReserve(ctx context.Context, resourceID string) error
	// Release increments the count, saturating at the resource's total.
	Release(ctx context.Context, resourceID string) error
	// Available reads the current count.
	Available(ctx context.Context, resourceID string) (int64, error)
}

// Provisioner sets the total units of a resource.
type Provisioner interface {
	// SetCapacity sets the total. Reserved units stay reserved: available moves
	// by the change in total and is clamped to [0, total].
	SetCapacity(ctx context.Context, resourceID string, total int64) error
}
