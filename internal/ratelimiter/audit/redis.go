// Copyright 2025 The Ratewall Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Evaler abstracts the minimal Redis surface a RedisSink needs.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler wraps a real github.com/redis/go-redis/v9 client.
type GoRedisEvaler struct{ c *redis.Client }

func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// RedisSink tallies allow/block counters per scope and principal hash
// idempotently:
//  1. SETNX audit:marker:<event_id> 1
//  2. If set, HINCRBY audit:counter:<scope_hash>:<principal_hash> allowed|blocked 1
//  3. EXPIRE the marker for leak protection
//
// Re-committing the same EventID is a no-op, so re-delivering a batch
// after a partial failure never double-counts.
type RedisSink struct {
	client    Evaler
	markerTTL time.Duration
}

// NewRedisSink returns a sink with the given client and marker TTL.
func NewRedisSink(client Evaler, markerTTL time.Duration) *RedisSink {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisSink{client: client, markerTTL: markerTTL}
}

const redisAuditScript = `
local counterKey = KEYS[1]
local markerKey = KEYS[2]
local allowed = tonumber(ARGV[1])
local ttlSeconds = tonumber(ARGV[2])

local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  if allowed == 1 then
    redis.call('HINCRBY', counterKey, 'allowed', 1)
  else
    redis.call('HINCRBY', counterKey, 'blocked', 1)
  end
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
end
return 0
`

func redisCounterKey(scopeHash, principalHash string) string {
	return fmt.Sprintf("audit:counter:%s:%s", scopeHash, principalHash)
}
func redisMarkerKey(eventID string) string { return fmt.Sprintf("audit:marker:%s", eventID) }

func (r *RedisSink) CommitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if e.EventID == "" {
			return fmt.Errorf("audit: Event.EventID must be set")
		}
		allowed := 0
		if e.Allowed {
			allowed = 1
		}
		keys := []string{redisCounterKey(e.ScopeHash, e.PrincipalHash), redisMarkerKey(e.EventID)}
		args := []interface{}{allowed, int(r.markerTTL.Seconds())}
		if _, err := r.client.Eval(ctx, redisAuditScript, keys, args...); err != nil {
			return fmt.Errorf("audit redis eval event=%s: %w", e.EventID, err)
		}
	}
	return nil
}
