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
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events in the background. Publishing never
// affects the saga outcome: failures are logged and counted.
type EventPublisher struct {
	bus     EventBus
	timeout time.Duration
	metrics MetricsCollector
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEventPublisher creates a publisher on bus. Each publish is bounded by timeout.
func NewEventPublisher(bus EventBus, timeout time.Duration, metrics MetricsCollector, l *zap.Logger) *EventPublisher {
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &EventPublisher{bus: bus, timeout: timeout, metrics: metrics, logger: l}
}

// PublishCreated publishes an enrollment.created event for e on a goroutine
// detached from ctx's cancellation. It is dropped after Close.
func (p *EventPublisher) PublishCreated(ctx context.Context, e *Enrollment) {
	event := Event{
		ID:         uuid.NewString(),
		Type:       TopicEnrollmentCreated,
		SagaID:     e.SagaID,
		OccurredAt: time.Now().UTC(),
		Enrollment: e,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("saga_id", e.SagaID), zap.Error(err))
		p.metrics.RecordPublish(TopicEnrollmentCreated, false)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("publisher closed, dropping event", zap.String("saga_id", e.SagaID))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.publish(pctx, TopicEnrollmentCreated, e.SagaID, payload)
	}()
}

func (p *EventPublisher) publish(ctx context.Context, topic, sagaID string, payload []byte) {
	err := p.bus.Publish(ctx, topic, payload)
	p.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("saga_id", sagaID),
			zap.Error(err))
		return
	}
	p.logger.Debug("event published", zap.String("topic", topic), zap.String("saga_id", sagaID))
}

// Close stops accepting events and waits for in-flight publishes or ctx.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
