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
	"fmt"
	"strings"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
	"github.com/innovationmech/enrollsaga/internal/enrollment/eventbus"
	"github.com/innovationmech/enrollsaga/internal/enrollment/payment"
	"github.com/innovationmech/enrollsaga/pkg/config"
	"github.com/innovationmech/enrollsaga/pkg/idempotency"
	"github.com/innovationmech/enrollsaga/pkg/resilience"
	"github.com/innovationmech/enrollsaga/pkg/saga"
	"github.com/innovationmech/enrollsaga/pkg/tracing"
)

// Storage backends for the idempotency store and the capacity counter.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete enrollctl configuration.
type Config struct {
	Logging     LoggingConfig                   `yaml:"logging" mapstructure:"logging"`
	Saga        enrollment.Config               `yaml:"saga" mapstructure:"saga"`
	Breaker     resilience.CircuitBreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	RefundRetry resilience.RetryConfig          `yaml:"refund_retry" mapstructure:"refund_retry"`
	DeadLetter  saga.DeadLetterConfig           `yaml:"dead_letter" mapstructure:"dead_letter"`
	Idempotency IdempotencyConfig               `yaml:"idempotency" mapstructure:"idempotency"`
	Capacity    CapacityConfig                  `yaml:"capacity" mapstructure:"capacity"`
	Redis       RedisConfig                     `yaml:"redis" mapstructure:"redis"`
	Database    DatabaseConfig                  `yaml:"database" mapstructure:"database"`
	EventBus    eventbus.Config                 `yaml:"eventbus" mapstructure:"eventbus"`
	Payment     payment.Config                  `yaml:"payment" mapstructure:"payment"`
	Metrics     MetricsConfig                   `yaml:"metrics" mapstructure:"metrics"`
	Tracing     tracing.Config                  `yaml:"tracing" mapstructure:"tracing"`
	Handler     HandlerConfig                   `yaml:"handler" mapstructure:"handler"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// IdempotencyConfig selects the result store.
type IdempotencyConfig struct {
	idempotency.Config `yaml:",inline" mapstructure:",squash"`

	Backend string `yaml:"backend" mapstructure:"backend"`
}

// SeatAllocation is the total capacity of one course.
type SeatAllocation struct {
	CourseID string `yaml:"course_id" mapstructure:"course_id"`
	Total    int64  `yaml:"total" mapstructure:"total"`
}

// CapacityConfig selects the seat counter and provisions courses at startup.
// Provisioning an existing Redis course keeps its outstanding reservations.
type CapacityConfig struct {
	Backend string           `yaml:"backend" mapstructure:"backend"`
	Seats   []SeatAllocation `yaml:"seats" mapstructure:"seats"`
}

// RedisConfig is shared by the Redis backends.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// DatabaseConfig configures the MySQL record store. An empty DSN keeps
// records in memory.
type DatabaseConfig struct {
	DSN         string             `yaml:"dsn" mapstructure:"dsn"`
	AutoMigrate bool               `yaml:"auto_migrate" mapstructure:"auto_migrate"`
	Tracing     tracing.GormConfig `yaml:"tracing" mapstructure:"tracing"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// HandlerConfig configures request admission.
type HandlerConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// DefaultConfig runs everything in memory with a log-only event bus.
func DefaultConfig() Config {
	return Config{
		Logging:     LoggingConfig{Level: "info"},
		Saga:        enrollment.DefaultConfig(),
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
		RefundRetry: resilience.DefaultRetryConfig(),
		DeadLetter:  saga.DefaultDeadLetterConfig(),
		Idempotency: IdempotencyConfig{
			Backend: BackendMemory,
			Config:  idempotency.DefaultConfig(),
		},
		Capacity: CapacityConfig{
			Backend: BackendMemory,
			Seats: []SeatAllocation{
				{CourseID: "CS101", Total: 20},
				{CourseID: "CS102", Total: 30},
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "enrollsaga",
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
			Tracing:     tracing.DefaultGormConfig(),
		},
		EventBus: eventbus.DefaultConfig(),
		Payment:  payment.Config{DeclineMethods: []string{"declined_card"}},
		Metrics:  MetricsConfig{Namespace: "enrollsaga"},
		Tracing:  tracing.DefaultConfig(),
		Handler:  HandlerConfig{MaxConcurrent: 64},
	}
}

// Defaults returns DefaultConfig as a nested settings map. Every key is
// registered so that ENROLLSAGA_* variables can override it.
func Defaults() map[string]interface{} {
	d := DefaultConfig()
	seats := make([]map[string]interface{}, 0, len(d.Capacity.Seats))
	for _, s := range d.Capacity.Seats {
		seats = append(seats, map[string]interface{}{"course_id": s.CourseID, "total": s.Total})
	}

	return map[string]interface{}{
		"logging": map[string]interface{}{
			"level": d.Logging.Level,
		},
		"saga": map[string]interface{}{
			"step_timeout":         d.Saga.StepTimeout.String(),
			"compensation_timeout": d.Saga.CompensationTimeout.String(),
			"publish_timeout":      d.Saga.PublishTimeout.String(),
			"price_cents":          d.Saga.PriceCents,
			"currency":             d.Saga.Currency,
		},
		"breaker": map[string]interface{}{
			"name":                          d.Breaker.Name,
			"max_probe_requests":            d.Breaker.MaxProbeRequests,
			"interval":                      d.Breaker.Interval.String(),
			"open_timeout":                  d.Breaker.OpenTimeout.String(),
			"consecutive_failure_threshold": d.Breaker.ConsecutiveFailureThreshold,
			"failure_ratio_threshold":       d.Breaker.FailureRatioThreshold,
			"minimum_requests":              d.Breaker.MinimumRequests,
		},
		"refund_retry": map[string]interface{}{
			"max_retries":    d.RefundRetry.MaxRetries,
			"initial_delay":  d.RefundRetry.InitialDelay.String(),
			"max_delay":      d.RefundRetry.MaxDelay.String(),
			"multiplier":     d.RefundRetry.Multiplier,
			"strategy":       string(d.RefundRetry.Strategy),
			"jitter_percent": d.RefundRetry.JitterPercent,
		},
		"dead_letter": map[string]interface{}{
			"ttl":      d.DeadLetter.TTL.String(),
			"max_size": d.DeadLetter.MaxSize,
		},
		"idempotency": map[string]interface{}{
			"backend":  d.Idempotency.Backend,
			"ttl":      d.Idempotency.TTL.String(),
			"lock_ttl": d.Idempotency.LockTTL.String(),
		},
		"capacity": map[string]interface{}{
			"backend": d.Capacity.Backend,
			"seats":   seats,
		},
		"redis": map[string]interface{}{
			"addr":       d.Redis.Addr,
			"password":   d.Redis.Password,
			"db":         d.Redis.DB,
			"key_prefix": d.Redis.KeyPrefix,
		},
		"database": map[string]interface{}{
			"dsn":          d.Database.DSN,
			"auto_migrate": d.Database.AutoMigrate,
			"tracing": map[string]interface{}{
				"record_sql":     d.Database.Tracing.RecordSQL,
				"slow_threshold": d.Database.Tracing.SlowThreshold.String(),
			},
		},
		"eventbus": map[string]interface{}{
			"type":         d.EventBus.Type,
			"url":          d.EventBus.URL,
			"brokers":      d.EventBus.Brokers,
			"topic_prefix": d.EventBus.TopicPrefix,
			"exchange":     d.EventBus.Exchange,
		},
		"payment": map[string]interface{}{
			"decline_methods": d.Payment.DeclineMethods,
			"latency":         d.Payment.Latency.String(),
		},
		"metrics": map[string]interface{}{
			"namespace": d.Metrics.Namespace,
		},
		"tracing": map[string]interface{}{
			"enabled":      d.Tracing.Enabled,
			"service_name": d.Tracing.ServiceName,
			"sample_rate":  d.Tracing.SampleRate,
			"exporter": map[string]interface{}{
				"type":     d.Tracing.Exporter.Type,
				"endpoint": d.Tracing.Exporter.Endpoint,
				"protocol": d.Tracing.Exporter.Protocol,
				"insecure": d.Tracing.Exporter.Insecure,
				"timeout":  d.Tracing.Exporter.Timeout.String(),
			},
		},
		"handler": map[string]interface{}{
			"max_concurrent": d.Handler.MaxConcurrent,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		section string
		check   func() error
	}{
		{"saga", c.Saga.Validate},
		{"breaker", c.Breaker.Validate},
		{"refund_retry", c.RefundRetry.Validate},
		{"dead_letter", c.DeadLetter.Validate},
		{"idempotency", c.Idempotency.Config.Validate},
		{"eventbus", c.EventBus.Validate},
		{"tracing", c.Tracing.Validate},
	}
	for _, v := range validators {
		if err := v.check(); err != nil {
			return fmt.Errorf("%s: %w", v.section, err)
		}
	}

	if err := checkBackend("idempotency", c.Idempotency.Backend); err != nil {
		return err
	}
	if err := checkBackend("capacity", c.Capacity.Backend); err != nil {
		return err
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required by the redis backend")
	}
	if c.Idempotency.Backend == BackendRedis {
		budget := c.Saga.RunBudget()
		if budget == 0 {
			return fmt.Errorf("saga: step_timeout is required by the redis idempotency backend")
		}
		if c.Idempotency.LockTTL <= budget {
			return fmt.Errorf("idempotency: lock_ttl %s must exceed the saga run budget %s", c.Idempotency.LockTTL, budget)
		}
	}

	seen := make(map[string]bool, len(c.Capacity.Seats))
	for _, s := range c.Capacity.Seats {
		if s.CourseID == "" {
			return fmt.Errorf("capacity: seat allocation without course_id")
		}
		if s.Total < 0 {
			return fmt.Errorf("capacity: course %s has negative total", s.CourseID)
		}
		if seen[s.CourseID] {
			return fmt.Errorf("capacity: course %s allocated twice", s.CourseID)
		}
		seen[s.CourseID] = true
	}

	if c.Handler.MaxConcurrent <= 0 {
		return fmt.Errorf("handler: max_concurrent must be positive")
	}
	if c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics: namespace is required")
	}
	return nil
}

func (c *Config) usesRedis() bool {
	return strings.EqualFold(c.Idempotency.Backend, BackendRedis) ||
		strings.EqualFold(c.Capacity.Backend, BackendRedis)
}

func checkBackend(section, backend string) error {
	switch strings.ToLower(backend) {
	case BackendMemory, BackendRedis:
		return nil
	}
	return fmt.Errorf("%s: unknown backend %q", section, backend)
}

// LoadConfig layers defaults, config files and ENROLLSAGA_* variables, then
// applies overrides (typically CLI flags) with the highest precedence.
func LoadConfig(opts config.Options, overrides map[string]interface{}) (*Config, []string, error) {
	m := config.NewManager(opts)
	m.SetDefaults(Defaults())
	if err := m.Load(); err != nil {
		return nil, nil, err
	}
	for k, v := range overrides {
		m.Set(k, v)
	}

	// Every key has a registered default, so decoding starts from the zero
	// value. Decoding onto DefaultConfig would merge list elements.
	var cfg Config
	if err := m.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, m.LoadedFiles(), nil
}
