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
	"sync"
	"time"
)

// DeadLetter is a compensation that still failed after its reversal was attempted.
// It needs manual repair.
type DeadLetter struct {
	ID           string       `json:"id"`
	SagaID       string       `json:"saga_id"`
	Compensation Compensation `json:"compensation"`
	Reason       string       `json:"reason"`
	Attempts     int          `json:"attempts"`
	FirstFailure time.Time    `json:"first_failure"`
	LastFailure  time.Time    `json:"last_failure"`
}

// DeadLetterSink receives failed compensations.
type DeadLetterSink interface {
	Park(ctx context.Context, letter DeadLetter) error
}

// DeadLetterConfig configures a DeadLetterQueue.
type DeadLetterConfig struct {
	// TTL bounds how long a letter is kept.
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	// MaxSize evicts the oldest letter when reached; 0 means unbounded.
	MaxSize int `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
	// OnPark is called after a letter is stored, outside the queue lock.
	OnPark func(letter DeadLetter) `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultDeadLetterConfig keeps letters for a week.
func DefaultDeadLetterConfig() DeadLetterConfig {
	return DeadLetterConfig{
		TTL:     7 * 24 * time.Hour,
		MaxSize: 10000,
	}
}

// Validate checks the configuration.
func (c *DeadLetterConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max_size cannot be negative")
	}
	return nil
}

// DeadLetterQueue is an in-process, bounded store of failed compensations.
// Letters are keyed by saga id and step so a repeated failure updates the
// existing letter. Expired letters are dropped lazily.
type DeadLetterQueue struct {
	config DeadLetterConfig
	clock  func() time.Time

	mu      sync.Mutex
	letters map[string]*DeadLetter
	order   []string
}

var _ DeadLetterSink = (*DeadLetterQueue)(nil)

// NewDeadLetterQueue validates config and returns an empty queue.
func NewDeadLetterQueue(config DeadLetterConfig) (*DeadLetterQueue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &DeadLetterQueue{
		config:  config,
		clock:   time.Now,
		letters: make(map[string]*DeadLetter),
	}, nil
}

// Park stores letter, evicting the oldest entry when the queue is full.
func (q *DeadLetterQueue) Park(_ context.Context, letter DeadLetter) error {
	if letter.SagaID == "" {
		return fmt.Errorf("dead letter without saga id")
	}
	if letter.ID == "" {
		letter.ID = letter.SagaID + "/" + letter.Compensation.Step
	}

	q.mu.Lock()
	now := q.clock()
	q.expireLocked(now)

	if existing, ok := q.letters[letter.ID]; ok {
		existing.LastFailure = now
		existing.Reason = letter.Reason
		existing.Attempts += max(letter.Attempts, 1)
		letter = *existing
	} else {
		if q.config.MaxSize > 0 && len(q.order) >= q.config.MaxSize {
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.letters, oldest)
		}
		letter.FirstFailure = now
		letter.LastFailure = now
		if letter.Attempts == 0 {
			letter.Attempts = 1
		}
		stored := letter
		q.letters[letter.ID] = &stored
		q.order = append(q.order, letter.ID)
	}
	q.mu.Unlock()

	if q.config.OnPark != nil {
		q.config.OnPark(letter)
	}
	return nil
}

// Get returns the letter with id.
func (q *DeadLetterQueue) Get(id string) (DeadLetter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(q.clock())
	l, ok := q.letters[id]
	if !ok {
		return DeadLetter{}, false
	}
	return *l, true
}

// List returns letters oldest first.
func (q *DeadLetterQueue) List() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(q.clock())
	out := make([]DeadLetter, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.letters[id])
	}
	return out
}

// Remove deletes a letter after it was repaired.
func (q *DeadLetterQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.letters[id]; !ok {
		return fmt.Errorf("dead letter not found: %s", id)
	}
	delete(q.letters, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(q.clock())
	return len(q.order)
}

func (q *DeadLetterQueue) expireLocked(now time.Time) {
	kept := q.order[:0]
	for _, id := range q.order {
		if now.Sub(q.letters[id].FirstFailure) > q.config.TTL {
			delete(q.letters, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}
