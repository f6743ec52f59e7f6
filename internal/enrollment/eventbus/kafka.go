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

package eventbus

import (
	"context"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaBus.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaBus writes each event to topic prefix+topic.
type KafkaBus struct {
	writer KafkaWriter
	prefix string
	now    func() time.Time
}

// NewKafkaWriter creates a writer that waits for all in-sync replicas.
// The topic is set per message.
func NewKafkaWriter(brokers []string) *kgo.Writer {
	return &kgo.Writer{
		Addr:                   kgo.TCP(brokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewKafkaBus creates a KafkaBus on w.
func NewKafkaBus(w KafkaWriter, prefix string) *KafkaBus {
	return &KafkaBus{writer: w, prefix: prefix, now: time.Now}
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := kgo.Message{
		Topic: b.prefix + topic,
		Value: payload,
		Time:  b.now(),
		Headers: []kgo.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
