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

package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver 把熔断器事件导出为 Prometheus 指标。
type PrometheusObserver struct {
	requests   *prometheus.CounterVec
	results    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	state      *prometheus.GaugeVec
}

var _ Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver 创建指标并注册到 registerer；registerer 为 nil 时使用默认注册表。
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "enrollsaga"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "requests_total",
			Help:      "Total number of calls admitted by the circuit breaker",
		}, []string{"name"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "results_total",
			Help:      "Outcomes of admitted calls",
		}, []string{"name", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected without reaching the protected collaborator",
		}, []string{"name", "state"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{o.requests, o.results, o.rejections, o.state} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) ObserveRequest(name string) {
	o.requests.WithLabelValues(name).Inc()
}

func (o *PrometheusObserver) ObserveResult(name string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	o.results.WithLabelValues(name, result).Inc()
}

func (o *PrometheusObserver) ObserveRejection(name string, state State) {
	o.rejections.WithLabelValues(name, state.String()).Inc()
}

func (o *PrometheusObserver) ObserveState(name string, state State) {
	o.state.WithLabelValues(name).Set(float64(state))
}
