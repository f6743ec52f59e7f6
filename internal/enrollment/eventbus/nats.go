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

	"github.com/nats-io/nats.go"
)

// NATSConn is the subset of *nats.Conn used by NATSBus.
type NATSConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSBus publishes each event on subject prefix+topic and flushes so the
// server has acknowledged it before Publish returns.
type NATSBus struct {
	conn   NATSConn
	prefix string
}

// DialNATS connects to the comma separated server list in url.
func DialNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("enrollsaga"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// NewNATSBus creates a NATSBus on conn.
func NewNATSBus(conn NATSConn, prefix string) *NATSBus {
	return &NATSBus{conn: conn, prefix: prefix}
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	subject := b.prefix + topic
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
