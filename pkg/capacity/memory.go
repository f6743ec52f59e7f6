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

package capacity

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type slot struct {
	mu        sync.Mutex
	available int64
	total     int64
}

// MemoryCounter keeps one mutex-guarded slot per resource. Different resources
// never contend with each other.
type MemoryCounter struct {
	slots *xsync.MapOf[string, *slot]
}

var (
	_ Counter     = (*MemoryCounter)(nil)
	_ Provisioner = (*MemoryCounter)(nil)
)

// NewMemoryCounter creates a counter with initial totals per resource.
func NewMemoryCounter(initial map[string]int64) *MemoryCounter {
	c := &MemoryCounter{slots: xsync.NewMapOf[string, *slot]()}
	for id, total := range initial {
		_ = c.SetCapacity(context.Background(), id, total)
	}
	return c
}

func (c *MemoryCounter) TryReserve(_ context.Context, resourceID string) error {
	s, ok := c.slots.Load(resourceID)
	if !ok {
		return fmt.Errorf("reserve %s: %w", resourceID, ErrUnknownResource)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available <= 0 {
		return &NoCapacityError{ResourceID: resourceID}
	}
	s.available--
	return nil
}

func (c *MemoryCounter) Release(_ context.Context, resourceID string) error {
	s, ok := c.slots.Load(resourceID)
	if !ok {
		return fmt.Errorf("release %s: %w", resourceID, ErrUnknownResource)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available < s.total {
		s.available++
	}
	return nil
}

func (c *MemoryCounter) Available(_ context.Context, resourceID string) (int64, error) {
	s, ok := c.slots.Load(resourceID)
	if !ok {
		return 0, fmt.Errorf("available %s: %w", resourceID, ErrUnknownResource)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, nil
}

func (c *MemoryCounter) SetCapacity(_ context.Context, resourceID string, total int64) error {
	if total < 0 {
		return fmt.Errorf("capacity of %s cannot be negative", resourceID)
	}

	s, loaded := c.slots.LoadOrStore(resourceID, &slot{available: total, total: total})
	if !loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = clamp(s.available+total-s.total, 0, total)
	s.total = total
	return nil
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
