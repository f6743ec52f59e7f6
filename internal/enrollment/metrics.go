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

package enrollment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded by MetricsCollector.RecordProcess.
const (
	OutcomeCommitted = "committed"
	OutcomeReplayed  = "replayed"
	OutcomeFailed    = "failed"
)

// MetricsCollector records coordinator activity.
type MetricsCollector interface {
	// RecordProcess counts one Process call. code is empty unless outcome is failed.
	RecordProcess(outcome, code string, duration time.Duration)
	// RecordStep counts one forward step execution.
	RecordStep(step string, success bool, duration time.Duration)
	// RecordCompensation counts one compensation executed during rollback.
	RecordCompensation(action string, success bool)
	// RecordPublish counts one event publish attempt.
	RecordPublish(topic string, success bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordProcess(string, string, time.Duration) {}
func (noopMetrics) RecordStep(string, bool, time.Duration)      {}
func (noopMetrics) RecordCompensation(string, bool)             {}
func (noopMetrics) RecordPublish(string, bool)                  {}

// NoopMetrics returns a collector that records nothing.
func NoopMetrics() MetricsCollector {
	return noopMetrics{}
}

// PrometheusMetricsConfig configures PrometheusMetrics.
type PrometheusMetricsConfig struct {
	// Namespace is the metric namespace (default: "enrollsaga").
	Namespace string
	// Registry receives the collectors. A new registry is created when nil.
	Registry *prometheus.Registry
	// DurationBuckets for the duration histograms.
	DurationBuckets []float64
}

// PrometheusMetrics implements MetricsCollector with Prometheus collectors.
type PrometheusMetrics struct {
	processTotal      *prometheus.CounterVec
	processDuration   *prometheus.HistogramVec
	stepTotal         *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	compensationTotal *prometheus.CounterVec
	publishTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates and registers the coordinator collectors.
func NewPrometheusMetrics(config *PrometheusMetricsConfig) (*PrometheusMetrics, error) {
	if config == nil {
		config = &PrometheusMetricsConfig{}
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "enrollsaga"
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	buckets := config.DurationBuckets
	if buckets == nil {
		buckets = []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0}
	}

	m := &PrometheusMetrics{
		registry: registry,
		processTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "process_total",
			Help:      "Total number of enrollment requests processed, by outcome and error code",
		}, []string{"outcome", "code"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "process_duration_seconds",
			Help:      "Duration of enrollment requests in seconds",
			Buckets:   buckets,
		}, []string{"outcome"}),
		stepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "step_executed_total",
			Help:      "Total number of forward steps executed",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Duration of forward steps in seconds",
			Buckets:   buckets,
		}, []string{"step"}),
		compensationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "compensation_executed_total",
			Help:      "Total number of compensations executed during rollback",
		}, []string{"action", "status"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_total",
			Help:      "Total number of domain event publish attempts",
		}, []string{"topic", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.processTotal, m.processDuration, m.stepTotal,
		m.stepDuration, m.compensationTotal, m.publishTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the collectors are registered with.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordProcess(outcome, code string, duration time.Duration) {
	m.processTotal.WithLabelValues(outcome, code).Inc()
	m.processDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordStep(step string, success bool, duration time.Duration) {
	m.stepTotal.WithLabelValues(step, status(success)).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordCompensation(action string, success bool) {
	m.compensationTotal.WithLabelValues(action, status(success)).Inc()
}

func (m *PrometheusMetrics) RecordPublish(topic string, success bool) {
	m.publishTotal.WithLabelValues(topic, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
