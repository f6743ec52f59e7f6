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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenStore struct {
	loadErr    error
	reserveErr error
	saveErr    error
	inner      *MemoryStore
}

func (s *brokenStore) Load(ctx context.Context, key string) (*Result, bool, error) {
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	return s.inner.Load(ctx, key)
}

func (s *brokenStore) Save(ctx context.Context, key string, r *Result, ttl time.Duration) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.inner.Save(ctx, key, r, ttl)
}

func (s *brokenStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if s.reserveErr != nil {
		return false, s.reserveErr
	}
	return s.inner.Reserve(ctx, key, owner, ttl)
}

func (s *brokenStore) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.inner.Extend(ctx, key, owner, ttl)
}

func (s *brokenStore) Release(ctx context.Context, key, owner string) error {
	return s.inner.Release(ctx, key, owner)
}

func newTestGuard(t *testing.T, store Store) *Guard {
	t.Helper()
	g, err := NewGuard(store, DefaultConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return g
}

func TestGuard_CheckAndStore(t *testing.T) {
	store := NewMemoryStore()
	g := newTestGuard(t, store)
	ctx := context.Background()

	_, found, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, g.Store(ctx, "k1", &Result{Payload: []byte(`{"id":"e1"}`)}, time.Hour))
	r, found, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"e1"}`, string(r.Payload))
	assert.False(t, r.StoredAt.IsZero())

	require.NoError(t, g.Store(ctx, "k1", &Result{ErrorCode: "PAYMENT_FAILED"}, time.Hour))
	r, _, _ = g.Check(ctx, "k1")
	assert.True(t, r.Failed(), "Store overwrites the prior entry")

	_, _, err = g.Check(ctx, " ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestGuard_CheckExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.clock = func() time.Time { return now }
	g := newTestGuard(t, store)
	ctx := context.Background()

	require.NoError(t, g.Store(ctx, "k1", &Result{Payload: []byte(`1`)}, time.Minute))
	now = now.Add(59 * time.Second)
	_, found, _ := g.Check(ctx, "k1")
	assert.True(t, found)

	now = now.Add(time.Second)
	_, found, _ = g.Check(ctx, "k1")
	assert.False(t, found, "entry expires at now+ttl")
	assert.Equal(t, 1, store.Sweep())
}

func TestGuard_InfrastructureErrors(t *testing.T) {
	down := errors.New("connection refused")
	ctx := context.Background()

	t.Run("check fails closed", func(t *testing.T) {
		g := newTestGuard(t, &brokenStore{loadErr: down, inner: NewMemoryStore()})
		r, found, err := g.Check(ctx, "k1")
		assert.Nil(t, r)
		assert.False(t, found)
		assert.True(t, IsInfrastructure(err))
		assert.ErrorIs(t, err, down)

		called := false
		_, _, err = g.Do(ctx, "k1", func(context.Context) (*Result, error) {
			called = true
			return nil, nil
		})
		assert.True(t, IsInfrastructure(err))
		assert.False(t, called, "no processing when the store is unreachable")
	})

	t.Run("reserve failure", func(t *testing.T) {
		g := newTestGuard(t, &brokenStore{reserveErr: down, inner: NewMemoryStore()})
		_, _, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) {
			t.Fatal("fn must not run")
			return nil, nil
		})
		var infra *InfrastructureError
		require.ErrorAs(t, err, &infra)
		assert.Equal(t, "reserve", infra.Op)
	})

	t.Run("store failure after success is logged only", func(t *testing.T) {
		g := newTestGuard(t, &brokenStore{saveErr: down, inner: NewMemoryStore()})
		r, replayed, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) {
			return &Result{Payload: []byte(`"ok"`)}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, `"ok"`, string(r.Payload))
	})
}

func TestGuard_DoReplays(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (*Result, error) {
		calls++
		return &Result{Payload: []byte(`{"n":1}`)}, nil
	}

	r1, replayed, err := g.Do(ctx, "k1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	r2, replayed, err := g.Do(ctx, "k1", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, string(r1.Payload), string(r2.Payload))
}

func TestGuard_DoCachesTerminalFailure(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	ctx := context.Background()
	declined := errors.New("declined")

	_, _, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) {
		return &Result{ErrorCode: "PAYMENT_FAILED", ErrorMessage: "declined"}, declined
	})
	assert.ErrorIs(t, err, declined)

	r, replayed, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) {
		t.Fatal("terminal failure must be replayed")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "PAYMENT_FAILED", r.ErrorCode)
}

func TestGuard_DoDoesNotCacheNilResult(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	ctx := context.Background()
	transient := errors.New("breaker open")

	_, _, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) { return nil, transient })
	assert.ErrorIs(t, err, transient)

	calls := 0
	_, replayed, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) {
		calls++
		return &Result{Payload: []byte(`1`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 1, calls, "marker was released so a retry runs again")
}

func TestGuard_DoSingleFlightInProcess(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		<-release
		return &Result{Payload: []byte(`"charged once"`)}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var replays atomic.Int32
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, replayed, err := g.Do(ctx, "same-key", fn)
			if err == nil && string(r.Payload) != `"charged once"` {
				err = errors.New("unexpected payload")
			}
			if replayed {
				replays.Add(1)
			}
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(callers-1), replays.Load())
}

func TestGuard_DoRejectsWhenMarkerHeldElsewhere(t *testing.T) {
	store := NewMemoryStore()
	g := newTestGuard(t, store)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "k1", "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = g.Do(ctx, "k1", func(context.Context) (*Result, error) {
		t.Fatal("must not execute while another owner holds the key")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrRequestInFlight)

	require.NoError(t, store.Release(ctx, "k1", "someone-else"))
	_, _, err = g.Do(ctx, "k1", func(context.Context) (*Result, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrRequestInFlight, "only the owner can release the marker")
}

func TestGuard_DoWaiterHonoursOwnContext(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "k1", func(context.Context) (*Result, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "k1", func(context.Context) (*Result, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_DoRunnerWaitsForItsOwnExecution(t *testing.T) {
	g := newTestGuard(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanedUp atomic.Bool
	r, replayed, err := g.Do(ctx, "k1", func(ctx context.Context) (*Result, error) {
		cancel()
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)
		cleanedUp.Store(true)
		return nil, errors.New("step failed after cancellation")
	})
	assert.Nil(t, r)
	assert.False(t, replayed)
	assert.EqualError(t, err, "step failed after cancellation")
	assert.True(t, cleanedUp.Load(), "Do returned before fn finished")

	ok, err := g.store.Reserve(context.Background(), "k1", "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "marker released once fn finished")
}

func TestGuard_DoKeepsMarkerForSlowRuns(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewGuard(store, Config{TTL: time.Hour, LockTTL: 60 * time.Millisecond}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = g.Do(ctx, "k1", func(context.Context) (*Result, error) {
		time.Sleep(200 * time.Millisecond)
		ok, err := store.Reserve(ctx, "k1", "other-process", time.Minute)
		assert.NoError(t, err)
		assert.False(t, ok, "marker outlives LockTTL while the run is in progress")
		return &Result{Payload: []byte(`"slow"`)}, nil
	})
	require.NoError(t, err)

	ok, err := store.Reserve(ctx, "k1", "other-process", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "marker released after the run")
}

func TestMemoryStore_Extend(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.clock = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.Extend(ctx, "k1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to extend")

	ok, _ = store.Reserve(ctx, "k1", "owner-a", time.Second)
	require.True(t, ok)

	ok, _ = store.Extend(ctx, "k1", "owner-b", time.Minute)
	assert.False(t, ok, "foreign owner cannot extend")

	ok, _ = store.Extend(ctx, "k1", "owner-a", time.Minute)
	assert.True(t, ok)
	now = now.Add(30 * time.Second)
	ok, _ = store.Reserve(ctx, "k1", "owner-b", time.Minute)
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, _ = store.Extend(ctx, "k1", "owner-a", time.Minute)
	assert.False(t, ok, "an expired marker is lost")
}

func TestNewGuard_Validation(t *testing.T) {
	_, err := NewGuard(nil, DefaultConfig())
	assert.Error(t, err)

	_, err = NewGuard(NewMemoryStore(), Config{TTL: time.Hour})
	assert.Error(t, err)
}
