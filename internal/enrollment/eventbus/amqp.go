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
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// AMQPChannel is the subset of *amqp.Channel used by AMQPBus.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPBus publishes persistent messages on a topic exchange with routing key
// prefix+topic.
type AMQPBus struct {
	channel  AMQPChannel
	exchange string
	prefix   string
	closer   io.Closer
	now      func() time.Time
}

// DialAMQP connects, opens a channel and declares a durable topic exchange.
// The returned closer closes the connection.
func DialAMQP(url, exchange string) (*amqp.Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return ch, conn, nil
}

// NewAMQPBus creates an AMQPBus on ch.
func NewAMQPBus(ch AMQPChannel, exchange, prefix string) *AMQPBus {
	return &AMQPBus{channel: ch, exchange: exchange, prefix: prefix, now: time.Now}
}

// Publish sends payload. The client library has no context support, so only
// an already expired ctx is honored.
func (b *AMQPBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := b.prefix + topic
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    b.now(),
		Type:         topic,
		Body:         payload,
	}
	if err := b.channel.Publish(b.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}
	return nil
}

func (b *AMQPBus) Close() error {
	err := b.channel.Close()
	if b.closer != nil {
		if cerr := b.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
