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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "disabled skips validation",
			mutate: func(c *Config) { c.Exporter.Type = "zipkin" },
		},
		{
			name:   "console",
			mutate: func(c *Config) { c.Enabled = true },
		},
		{
			name: "missing service name",
			mutate: func(c *Config) {
				c.Enabled = true
				c.ServiceName = ""
			},
			wantErr: "service_name is required",
		},
		{
			name: "sample rate out of range",
			mutate: func(c *Config) {
				c.Enabled = true
				c.SampleRate = 1.5
			},
			wantErr: "sample_rate",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Exporter.Type = ExporterOTLP
			},
			wantErr: "requires endpoint",
		},
		{
			name: "otlp unknown protocol",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Exporter.Type = ExporterOTLP
				c.Exporter.Endpoint = "localhost:4317"
				c.Exporter.Protocol = "udp"
			},
			wantErr: "unsupported otlp protocol",
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Exporter.Type = "zipkin"
			},
			wantErr: "unsupported exporter type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Console(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter.Writer = &buf

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "enrollment.process")
	assert.True(t, span.IsRecording())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Contains(t, buf.String(), "enrollment.process")
	assert.Contains(t, buf.String(), "enrollsaga")
}

func TestNewProvider_OTLP(t *testing.T) {
	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Enabled = true
			cfg.Exporter.Type = ExporterOTLP
			cfg.Exporter.Protocol = protocol
			cfg.Exporter.Endpoint = "localhost:4317"
			cfg.Exporter.Insecure = true
			cfg.Exporter.Timeout = 100 * time.Millisecond

			p, err := NewProvider(context.Background(), cfg)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""

	_, err := NewProvider(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tracing config")
}
