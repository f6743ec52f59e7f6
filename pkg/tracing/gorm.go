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

package tracing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	instrumentationName = "github.com/innovationmech/enrollsaga/pkg/tracing"

	spanKey  = "tracing:span"
	startKey = "tracing:start_time"
)

var (
	placeholderPattern = regexp.MustCompile(`\$\d+|\?`)
	spacePattern       = regexp.MustCompile(`\s+`)
)

// GormConfig holds configuration for GORM tracing
type GormConfig struct {
	RecordSQL     bool          `yaml:"record_sql" mapstructure:"record_sql"`
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold"`
}

// DefaultGormConfig returns default GORM tracing configuration
func DefaultGormConfig() GormConfig {
	return GormConfig{
		RecordSQL:     true,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// GormPlugin is a gorm.Plugin that wraps every statement in a client span.
type GormPlugin struct {
	tracer trace.Tracer
	config GormConfig
}

var _ gorm.Plugin = (*GormPlugin)(nil)

// NewGormPlugin creates a plugin that starts spans from tp.
func NewGormPlugin(tp trace.TracerProvider, config GormConfig) *GormPlugin {
	return &GormPlugin{
		tracer: tp.Tracer(instrumentationName),
		config: config,
	}
}

// Name returns the plugin name
func (p *GormPlugin) Name() string {
	return "enrollsaga:tracing"
}

// Initialize implements gorm.Plugin interface
func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	err := errors.Join(
		cb.Create().Before("gorm:create").Register("tracing:before_create", p.before("create")),
		cb.Create().After("gorm:create").Register("tracing:after_create", p.finishSpan),
		cb.Query().Before("gorm:query").Register("tracing:before_query", p.before("query")),
		cb.Query().After("gorm:query").Register("tracing:after_query", p.finishSpan),
		cb.Update().Before("gorm:update").Register("tracing:before_update", p.before("update")),
		cb.Update().After("gorm:update").Register("tracing:after_update", p.finishSpan),
		cb.Delete().Before("gorm:delete").Register("tracing:before_delete", p.before("delete")),
		cb.Delete().After("gorm:delete").Register("tracing:after_delete", p.finishSpan),
		cb.Row().Before("gorm:row").Register("tracing:before_row", p.before("row")),
		cb.Row().After("gorm:row").Register("tracing:after_row", p.finishSpan),
		cb.Raw().Before("gorm:raw").Register("tracing:before_raw", p.before("raw")),
		cb.Raw().After("gorm:raw").Register("tracing:after_raw", p.finishSpan),
	)
	if err != nil {
		return fmt.Errorf("failed to register tracing callbacks: %w", err)
	}
	return nil
}

func (p *GormPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) { p.startSpan(db, operation) }
}

func (p *GormPlugin) startSpan(db *gorm.DB, operation string) {
	ctx := db.Statement.Context

	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}

	name := "db:" + operation
	if table != "" {
		name += " " + table
	}

	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemMySQL,
			attribute.String("db.operation", operation),
		),
	)
	if table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}

	db.Statement.Context = ctx
	db.InstanceSet(spanKey, span)
	db.InstanceSet(startKey, time.Now())
}

func (p *GormPlugin) finishSpan(db *gorm.DB) {
	v, ok := db.InstanceGet(spanKey)
	if !ok {
		return
	}
	span, ok := v.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if v, ok := db.InstanceGet(startKey); ok {
		if started, ok := v.(time.Time); ok && time.Since(started) > p.config.SlowThreshold {
			span.SetAttributes(attribute.Bool("db.slow_query", true))
		}
	}

	if p.config.RecordSQL {
		if sql := db.Statement.SQL.String(); sql != "" {
			span.SetAttributes(attribute.String("db.statement", sanitizeSQL(sql)))
		}
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

	// A missing row is an answer, not a failure.
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}

func sanitizeSQL(sql string) string {
	sanitized := placeholderPattern.ReplaceAllString(sql, "?")
	sanitized = spacePattern.ReplaceAllString(sanitized, " ")
	return strings.TrimSpace(sanitized)
}
