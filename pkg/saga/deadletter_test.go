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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterConfig_Validate(t *testing.T) {
	cfg := DefaultDeadLetterConfig()
	assert.NoError(t, cfg.Validate())

	cfg.TTL = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultDeadLetterConfig()
	cfg.MaxSize = -1
	assert.Error(t, cfg.Validate())
}

func TestDeadLetterQueue(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var parked []DeadLetter
	q, err := NewDeadLetterQueue(DeadLetterConfig{
		TTL:     time.Hour,
		MaxSize: 2,
		OnPark:  func(l DeadLetter) { parked = append(parked, l) },
	})
	require.NoError(t, err)
	q.clock = func() time.Time { return now }
	ctx := context.Background()

	refund := Compensation{Step: "charge_payment", Action: "refund_payment", Target: "rcpt-1"}
	require.NoError(t, q.Park(ctx, DeadLetter{SagaID: "s1", Compensation: refund, Reason: "timeout"}))

	now = now.Add(time.Minute)
	require.NoError(t, q.Park(ctx, DeadLetter{SagaID: "s1", Compensation: refund, Reason: "still down"}))

	l, ok := q.Get("s1/charge_payment")
	require.True(t, ok)
	assert.Equal(t, 2, l.Attempts)
	assert.Equal(t, "still down", l.Reason)
	assert.True(t, l.LastFailure.After(l.FirstFailure))
	assert.Len(t, parked, 2)

	release := Compensation{Step: "reserve_seat", Action: "release_seat", Target: "r1"}
	require.NoError(t, q.Park(ctx, DeadLetter{SagaID: "s2", Compensation: release}))
	require.NoError(t, q.Park(ctx, DeadLetter{SagaID: "s3", Compensation: release}))
	assert.Equal(t, 2, q.Len(), "oldest letter is evicted at max size")
	_, ok = q.Get("s1/charge_payment")
	assert.False(t, ok)

	require.NoError(t, q.Remove("s2/reserve_seat"))
	assert.Error(t, q.Remove("s2/reserve_seat"))

	now = now.Add(2 * time.Hour)
	assert.Empty(t, q.List(), "expired letters are dropped")

	assert.Error(t, q.Park(ctx, DeadLetter{Compensation: release}), "saga id is required")
}
