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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter types.
const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
)

// OTLP transport protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config represents the tracing configuration
type Config struct {
	Enabled     bool           `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string         `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64        `yaml:"sample_rate" mapstructure:"sample_rate"`
	Exporter    ExporterConfig `yaml:"exporter" mapstructure:"exporter"`
}

// ExporterConfig represents the span exporter configuration
type ExporterConfig struct {
	Type     string            `yaml:"type" mapstructure:"type"`
	Endpoint string            `yaml:"endpoint" mapstructure:"endpoint"`
	Protocol string            `yaml:"protocol" mapstructure:"protocol"`
	Insecure bool              `yaml:"insecure" mapstructure:"insecure"`
	Timeout  time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	Headers  map[string]string `yaml:"headers" mapstructure:"headers"`

	// Writer receives console output. Defaults to stdout.
	Writer io.Writer `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns a disabled tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "enrollsaga",
		SampleRate:  1.0,
		Exporter: ExporterConfig{
			Type:     ExporterConsole,
			Protocol: ProtocolGRPC,
			Timeout:  10 * time.Second,
		},
	}
}

// Validate validates the tracing configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("service_name is required when tracing is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %v", c.SampleRate)
	}
	switch c.Exporter.Type {
	case ExporterConsole:
	case ExporterOTLP:
		if c.Exporter.Endpoint == "" {
			return errors.New("otlp exporter requires endpoint")
		}
		if c.Exporter.Protocol != ProtocolGRPC && c.Exporter.Protocol != ProtocolHTTP {
			return fmt.Errorf("unsupported otlp protocol: %s", c.Exporter.Protocol)
		}
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter.Type)
	}
	return nil
}

// Provider is a tracer provider that owns its exporter.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// NewProvider builds a tracer provider from cfg. A disabled configuration
// yields a no-op provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}
	if !cfg.Enabled {
		return &Provider{
			TracerProvider: noop.NewTracerProvider(),
			shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := newExporter(ctx, cfg.Exporter)
	if err != nil {
		return nil, err
	}

	var processor sdktrace.SpanProcessor
	if cfg.Exporter.Type == ExporterConsole {
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		processor = sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

func newExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case ExporterConsole:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP:
		if cfg.Protocol == ProtocolHTTP {
			return newHTTPExporter(ctx, cfg)
		}
		return newGRPCExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Type)
	}
}

func newHTTPExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
	}
	return exporter, nil
}

func newGRPCExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp grpc exporter: %w", err)
	}
	return exporter, nil
}
