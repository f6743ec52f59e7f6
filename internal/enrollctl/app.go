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

package enrollctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
	"github.com/innovationmech/enrollsaga/internal/enrollment/eventbus"
	"github.com/innovationmech/enrollsaga/internal/enrollment/payment"
	"github.com/innovationmech/enrollsaga/internal/enrollment/repository"
	"github.com/innovationmech/enrollsaga/pkg/capacity"
	"github.com/innovationmech/enrollsaga/pkg/idempotency"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
	"github.com/innovationmech/enrollsaga/pkg/tracing"
)

// EnrollmentReader looks up persisted enrollments.
type EnrollmentReader interface {
	Get(ctx context.Context, id string) (*enrollment.Enrollment, error)
	ListByStudent(ctx context.Context, studentID string) ([]*enrollment.Enrollment, error)
}

// SeatCounter is the capacity counter plus provisioning.
type SeatCounter interface {
	capacity.Counter
	capacity.Provisioner
}

// App holds the wired enrollment components and the resources they own.
type App struct {
	Config      *Config
	Coordinator *enrollment.Coordinator
	Handler     *enrollment.Handler
	Enrollments EnrollmentReader
	Seats       SeatCounter
	Breaker     *resilience.CircuitBreaker
	DeadLetters *saga.DeadLetterQueue
	Registry    *prometheus.Registry

	logger  *zap.Logger
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build connects every backend named by cfg and wires the coordinator.
// Resources opened before a failure are released.
func Build(ctx context.Context, cfg *Config, l *zap.Logger) (*App, error) {
	if l == nil {
		l = zap.NewNop()
	}
	app := &App{Config: cfg, Registry: prometheus.NewRegistry(), logger: l}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, l := a.Config, a.logger

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	a.onClose("tracing", provider.Shutdown)

	metrics, err := enrollment.NewPrometheusMetrics(&enrollment.PrometheusMetricsConfig{
		Namespace: cfg.Metrics.Namespace,
		Registry:  a.Registry,
	})
	if err != nil {
		return fmt.Errorf("saga metrics: %w", err)
	}

	if a.Breaker, err = a.buildBreaker(); err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.usesRedis() {
		if rdb, err = a.connectRedis(ctx); err != nil {
			return err
		}
	}

	store, err := a.buildIdempotencyStore(rdb)
	if err != nil {
		return err
	}
	guard, err := idempotency.NewGuard(store, cfg.Idempotency.Config, idempotency.WithLogger(l))
	if err != nil {
		return fmt.Errorf("idempotency guard: %w", err)
	}

	if a.Seats, err = a.buildSeats(ctx, rdb); err != nil {
		return err
	}

	deps := enrollment.Dependencies{
		Guard:          guard,
		Capacity:       a.Seats,
		Breaker:        a.Breaker,
		Payments:       payment.NewSandbox(cfg.Payment),
		Metrics:        metrics,
		Logger:         l,
		TracerProvider: provider,
	}
	if err := a.buildRepositories(ctx, provider, &deps); err != nil {
		return err
	}

	bus, err := eventbus.Open(cfg.EventBus, l)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	deps.Bus = bus
	a.onClose("eventbus", func(context.Context) error { return bus.Close() })

	onRetry := func(attempt int, err error, delay time.Duration) {
		l.Warn("retrying refund",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	if deps.RefundRetrier, err = resilience.NewRetrier(cfg.RefundRetry, resilience.WithOnRetry(onRetry)); err != nil {
		return fmt.Errorf("refund retry: %w", err)
	}

	dlqConfig := cfg.DeadLetter
	dlqConfig.OnPark = func(letter saga.DeadLetter) {
		l.Error("compensation parked for manual repair",
			zap.String("saga_id", letter.SagaID),
			zap.Stringer("compensation", letter.Compensation),
			zap.Int("attempts", letter.Attempts),
			zap.String("reason", letter.Reason))
	}
	if a.DeadLetters, err = saga.NewDeadLetterQueue(dlqConfig); err != nil {
		return fmt.Errorf("dead letter queue: %w", err)
	}
	deps.DeadLetters = a.DeadLetters

	if a.Coordinator, err = enrollment.NewCoordinator(cfg.Saga, deps); err != nil {
		return err
	}
	a.onClose("coordinator", a.Coordinator.Close)

	a.Handler, err = enrollment.NewHandler(a.Coordinator, cfg.Handler.MaxConcurrent, l)
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) buildBreaker() (*resilience.CircuitBreaker, error) {
	observer, err := resilience.NewPrometheusObserver(a.Config.Metrics.Namespace, a.Registry)
	if err != nil {
		return nil, fmt.Errorf("breaker metrics: %w", err)
	}

	config := a.Config.Breaker
	config.Observer = observer
	config.IsSuccessful = processorHealthy
	config.OnStateChange = func(name string, from, to resilience.State) {
		a.logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}

	cb, err := resilience.NewCircuitBreaker(config)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}
	return cb, nil
}

// processorHealthy treats a decline as a successful call: the processor
// answered. A call abandoned by its caller says nothing about the processor.
func processorHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, enrollment.ErrPaymentDeclined) ||
		errors.Is(err, context.Canceled)
}

func (a *App) connectRedis(ctx context.Context) (redis.UniversalClient, error) {
	rc := a.Config.Redis
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{rc.Addr},
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	a.onClose("redis", func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) buildIdempotencyStore(rdb redis.UniversalClient) (idempotency.Store, error) {
	switch strings.ToLower(a.Config.Idempotency.Backend) {
	case BackendRedis:
		return idempotency.NewRedisStore(rdb, a.Config.Redis.KeyPrefix), nil
	case BackendMemory:
		return idempotency.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown idempotency backend %q", a.Config.Idempotency.Backend)
}

func (a *App) buildSeats(ctx context.Context, rdb redis.UniversalClient) (SeatCounter, error) {
	var counter SeatCounter
	switch strings.ToLower(a.Config.Capacity.Backend) {
	case BackendRedis:
		counter = capacity.NewRedisCounter(rdb, a.Config.Redis.KeyPrefix)
	case BackendMemory:
		counter = capacity.NewMemoryCounter(nil)
	default:
		return nil, fmt.Errorf("unknown capacity backend %q", a.Config.Capacity.Backend)
	}

	for _, s := range a.Config.Capacity.Seats {
		if err := counter.SetCapacity(ctx, s.CourseID, s.Total); err != nil {
			return nil, fmt.Errorf("provision %s: %w", s.CourseID, err)
		}
	}
	return counter, nil
}

func (a *App) buildRepositories(ctx context.Context, provider *tracing.Provider, deps *enrollment.Dependencies) error {
	dbc := a.Config.Database
	if dbc.DSN == "" {
		mem := repository.NewMemoryStore()
		deps.Records = mem
		deps.History = mem
		deps.Eligibility = mem
		a.Enrollments = mem
		return nil
	}

	db, err := gorm.Open(mysql.Open(dbc.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.onClose("database", func(context.Context) error { return sqlDB.Close() })

	if err := db.Use(tracing.NewGormPlugin(provider, dbc.Tracing)); err != nil {
		return fmt.Errorf("database tracing: %w", err)
	}
	if dbc.AutoMigrate {
		if err := repository.AutoMigrate(db.WithContext(ctx)); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	store := repository.NewEnrollmentStore(db)
	deps.Records = store
	deps.History = repository.NewHistoryStore(db)
	deps.Eligibility = repository.NewEligibilityChecker(db)
	a.Enrollments = store
	return nil
}
