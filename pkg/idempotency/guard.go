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
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/innovationmech/enrollsaga/pkg/logger"
)

// Config configures a Guard.
type Config struct {
	// TTL is how long a final result is replayed.
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	// LockTTL bounds the in-flight marker; it must outlive one full saga run.
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl" mapstructure:"lock_ttl"`
}

// DefaultConfig replays results for 24h.
func DefaultConfig() Config {
	return Config{
		TTL:     24 * time.Hour,
		LockTTL: 2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive")
	}
	return nil
}

// Guard deduplicates requests by idempotency key.
//
// Check and Store are the two primitive operations. Do composes them with
// mutual exclusion per key: concurrent calls in this process share one
// execution, and a set-if-absent marker in the store rejects a concurrent
// execution in another process with ErrRequestInFlight.
type Guard struct {
	store  Store
	config Config
	group  singleflight.Group
	logger *zap.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a Guard on store.
func NewGuard(store Store, config Config, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	g := &Guard{store: store, config: config}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logger.GetLogger()
	}
	return g, nil
}

// TTL returns the configured result TTL.
func (g *Guard) TTL() time.Duration {
	return g.config.TTL
}

// Check returns the cached result for key. It has no side effects.
// A store failure is an *InfrastructureError, never a miss.
func (g *Guard) Check(ctx context.Context, key string) (*Result, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}
	r, ok, err := g.store.Load(ctx, key)
	if err != nil {
		return nil, false, &InfrastructureError{Op: "check", Key: key, Err: err}
	}
	return r, ok, nil
}

// Store caches result under key until now+ttl, replacing any prior entry.
func (g *Guard) Store(ctx context.Context, key string, result *Result, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if result.StoredAt.IsZero() {
		result.StoredAt = time.Now().UTC()
	}
	if err := g.store.Save(ctx, key, result, ttl); err != nil {
		return &InfrastructureError{Op: "store", Key: key, Err: err}
	}
	return nil
}

// Func computes the outcome for a key. A non-nil Result is cached even when
// err is not nil (a terminal failure); a nil Result caches nothing.
type Func func(ctx context.Context) (*Result, error)

type outcome struct {
	result *Result
	err    error
}

// Caller roles within one Do call. A caller becomes the leader when its own fn
// starts; it can only be abandoned before that.
const (
	roleWaiting int32 = iota
	roleLeader
	roleAbandoned
)

// Do returns the cached result for key, or runs fn exactly once across
// concurrent callers and caches what it returns. replayed is true when this
// caller did not run fn itself.
//
// Callers that join an execution started by another caller stop waiting when
// their ctx is done. The caller running fn always waits for it: fn receives
// the same ctx and is expected to finish, including any cleanup, once ctx is
// cancelled.
func (g *Guard) Do(ctx context.Context, key string, fn Func) (result *Result, replayed bool, err error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	var role atomic.Int32
	ch := g.group.DoChan(key, func() (interface{}, error) {
		if !role.CompareAndSwap(roleWaiting, roleLeader) {
			return outcome{err: ctx.Err()}, nil
		}
		r, err := g.execute(ctx, key, fn)
		return outcome{result: r, err: err}, nil
	})

	select {
	case res := <-ch:
		return unpack(res, role.Load() == roleLeader)
	case <-ctx.Done():
		if role.CompareAndSwap(roleWaiting, roleAbandoned) {
			return nil, false, ctx.Err()
		}
		return unpack(<-ch, true)
	}
}

func unpack(res singleflight.Result, leader bool) (*Result, bool, error) {
	o := res.Val.(outcome)
	return o.result, !leader || o.replayed(), o.err
}

// replayed reports whether the outcome came from the cache rather than fn.
func (o outcome) replayed() bool {
	return o.result != nil && o.result.fromCache
}

func (g *Guard) execute(ctx context.Context, key string, fn Func) (*Result, error) {
	if r, ok, err := g.Check(ctx, key); err != nil || ok {
		return cached(r), err
	}

	owner := uuid.NewString()
	acquired, err := g.store.Reserve(ctx, key, owner, g.config.LockTTL)
	if err != nil {
		return nil, &InfrastructureError{Op: "reserve", Key: key, Err: err}
	}
	if !acquired {
		return nil, ErrRequestInFlight
	}
	defer g.release(ctx, key, owner)
	defer g.keepAlive(ctx, key, owner)()

	// A concurrent owner may have stored its result between Check and Reserve.
	if r, ok, err := g.Check(ctx, key); err != nil || ok {
		return cached(r), err
	}

	r, fnErr := fn(ctx)
	if r != nil {
		if err := g.Store(context.WithoutCancel(ctx), key, r, g.config.TTL); err != nil {
			g.logger.Error("failed to cache idempotent result", zap.String("idempotency_key", key), zap.Error(err))
		}
	}
	return r, fnErr
}

// keepAlive extends the in-flight marker every third of LockTTL so a run
// slower than LockTTL keeps its key. The returned func stops it.
func (g *Guard) keepAlive(ctx context.Context, key, owner string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	interval := g.config.LockTTL / 3
	if interval <= 0 {
		interval = g.config.LockTTL
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := g.store.Extend(ctx, key, owner, g.config.LockTTL)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				g.logger.Warn("failed to extend in-flight marker", zap.String("idempotency_key", key), zap.Error(err))
			case !held:
				g.logger.Error("in-flight marker lost before the run finished", zap.String("idempotency_key", key))
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (g *Guard) release(ctx context.Context, key, owner string) {
	if err := g.store.Release(context.WithoutCancel(ctx), key, owner); err != nil {
		g.logger.Warn("failed to release in-flight marker", zap.String("idempotency_key", key), zap.Error(err))
	}
}

func cached(r *Result) *Result {
	if r != nil {
		r.fromCache = true
	}
	return r
}
