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
	"sync"
	"time"
)

type memoryEntry struct {
	result    Result
	expiresAt time.Time
}

type memoryMarker struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps results and in-flight markers in process memory.
// Expired entries are hidden on read and removed by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]memoryEntry
	markers map[string]memoryMarker
	clock   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]memoryEntry),
		markers: make(map[string]memoryMarker),
		clock:   time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.results[key]
	if !ok || !s.clock().Before(e.expiresAt) {
		return nil, false, nil
	}
	r := e.result
	return &r, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, result *Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = memoryEntry{result: *result, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if m, ok := s.markers[key]; ok && now.Before(m.expiresAt) {
		return false, nil
	}
	s.markers[key] = memoryMarker{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	m, ok := s.markers[key]
	if !ok || m.owner != owner || !now.Before(m.expiresAt) {
		return false, nil
	}
	m.expiresAt = now.Add(ttl)
	s.markers[key] = m
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markers[key]; ok && m.owner == owner {
		delete(s.markers, key)
	}
	return nil
}

// Sweep deletes expired results and markers and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	removed := 0
	for k, e := range s.results {
		if !now.Before(e.expiresAt) {
			delete(s.results, k)
			removed++
		}
	}
	for k, m := range s.markers {
		if !now.Before(m.expiresAt) {
			delete(s.markers, k)
			removed++
		}
	}
	return removed
}
