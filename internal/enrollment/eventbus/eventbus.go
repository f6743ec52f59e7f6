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

// Package eventbus publishes enrollment domain events to NATS, Kafka or
// RabbitMQ, or only logs them.
package eventbus

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// Bus types accepted by Config.Type.
const (
	TypeLog   = "log"
	TypeNATS  = "nats"
	TypeKafka = "kafka"
	TypeAMQP  = "amqp"
)

// Bus is an enrollment.EventBus that owns a connection.
type Bus interface {
	enrollment.EventBus
	Close() error
}

// Config selects and configures the bus.
type Config struct {
	Type        string   `json:"type" yaml:"type" mapstructure:"type"`
	URL         string   `json:"url" yaml:"url" mapstructure:"url"`
	Brokers     []string `json:"brokers" yaml:"brokers" mapstructure:"brokers"`
	TopicPrefix string   `json:"topic_prefix" yaml:"topic_prefix" mapstructure:"topic_prefix"`
	Exchange    string   `json:"exchange" yaml:"exchange" mapstructure:"exchange"`
}

// DefaultConfig logs events instead of publishing them.
func DefaultConfig() Config {
	return Config{Type: TypeLog, Exchange: "enrollsaga.events"}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Type) {
	case TypeLog:
	case TypeNATS:
		if c.URL == "" {
			return fmt.Errorf("eventbus.url is required for nats")
		}
	case TypeKafka:
		if len(c.Brokers) == 0 {
			return fmt.Errorf("eventbus.brokers is required for kafka")
		}
	case TypeAMQP:
		if c.URL == "" {
			return fmt.Errorf("eventbus.url is required for amqp")
		}
		if c.Exchange == "" {
			return fmt.Errorf("eventbus.exchange is required for amqp")
		}
	default:
		return fmt.Errorf("unknown eventbus type %q", c.Type)
	}
	return nil
}

// Open connects the configured bus.
func Open(cfg Config, l *zap.Logger) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = zap.NewNop()
	}

	switch strings.ToLower(cfg.Type) {
	case TypeNATS:
		conn, err := DialNATS(cfg.URL)
		if err != nil {
			return nil, err
		}
		return NewNATSBus(conn, cfg.TopicPrefix), nil
	case TypeKafka:
		return NewKafkaBus(NewKafkaWriter(cfg.Brokers), cfg.TopicPrefix), nil
	case TypeAMQP:
		ch, closer, err := DialAMQP(cfg.URL, cfg.Exchange)
		if err != nil {
			return nil, err
		}
		bus := NewAMQPBus(ch, cfg.Exchange, cfg.TopicPrefix)
		bus.closer = closer
		return bus, nil
	default:
		return NewLogBus(l), nil
	}
}
