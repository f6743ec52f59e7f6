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

package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis key naming conventions. The hash tag keeps both keys of a resource in
// one cluster slot so the scripts can touch them together.
const (
	// availableKeyPattern is {prefix}capacity:{resourceID}:available
	availableKeyPattern = "%scapacity:{%s}:available"
	// totalKeyPattern is {prefix}capacity:{resourceID}:total
	totalKeyPattern = "%scapacity:{%s}:total"
)

const unknownResource = -2

var reserveScript = redis.NewScript(`
local avail = redis.call("GET", KEYS[1])
if not avail then
	return -2
end
if tonumber(avail) <= 0 then
	return -1
end
return redis.call("DECR", KEYS[1])
`)

var releaseScript = redis.NewScript(`
local total = redis.call("GET", KEYS[2])
if not total then
	return -2
end
local avail = tonumber(redis.call("GET", KEYS[1]) or "0")
if avail >= tonumber(total) then
	return avail
end
return redis.call("INCR", KEYS[1])
`)

var provisionScript = redis.NewScript(`
local total = tonumber(ARGV[1])
local old = redis.call("GET", KEYS[2])
local avail = total
if old then
	avail = tonumber(redis.call("GET", KEYS[1]) or "0") + total - tonumber(old)
	if avail < 0 then
		avail = 0
	end
	if avail > total then
		avail = total
	end
end
redis.call("SET", KEYS[1], avail)
redis.call("SET", KEYS[2], total)
return avail
`)

// RedisCounter shares counts across processes. Each mutation is a single Lua
// script, so check-and-decrement is atomic on the server.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ Counter     = (*RedisCounter)(nil)
	_ Provisioner = (*RedisCounter)(nil)
)

// NewRedisCounter creates a counter on client with the given key prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) keys(resourceID string) []string {
	return []string{
		fmt.Sprintf(availableKeyPattern, c.prefix, resourceID),
		fmt.Sprintf(totalKeyPattern, c.prefix, resourceID),
	}
}

func (c *RedisCounter) TryReserve(ctx context.Context, resourceID string) error {
	n, err := reserveScript.Run(ctx, c.client, c.keys(resourceID)[:1]).Int64()
	if err != nil {
		return fmt.Errorf("reserve %s: %w", resourceID, err)
	}
	switch n {
	case unknownResource:
		return fmt.Errorf("reserve %s: %w", resourceID, ErrUnknownResource)
	case -1:
		return &NoCapacityError{ResourceID: resourceID}
	}
	return nil
}

func (c *RedisCounter) Release(ctx context.Context, resourceID string) error {
	n, err := releaseScript.Run(ctx, c.client, c.keys(resourceID)).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", resourceID, err)
	}
	if n == unknownResource {
		return fmt.Errorf("release %s: %w", resourceID, ErrUnknownResource)
	}
	return nil
}

func (c *RedisCounter) Available(ctx context.Context, resourceID string) (int64, error) {
	n, err := c.client.Get(ctx, c.keys(resourceID)[0]).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("available %s: %w", resourceID, ErrUnknownResource)
	}
	if err != nil {
		return 0, fmt.Errorf("available %s: %w", resourceID, err)
	}
	return n, nil
}

func (c *RedisCounter) SetCapacity(ctx context.Context, resourceID string, total int64) error {
	if total < 0 {
		return fmt.Errorf("capacity of %s cannot be negative", resourceID)
	}
	if err := provisionScript.Run(ctx, c.client, c.keys(resourceID), total).Err(); err != nil {
		return fmt.Errorf("set capacity %s: %w", resourceID, err)
	}
	return nil
}
