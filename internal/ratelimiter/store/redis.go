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

package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// GoRedisEvaler wraps a github.com/redis/go-redis/v9 client as an Evaler.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler parses a redis:// URL (or falls back to treating addr as
// a bare host:port) and configures the pool/dial timeouts from opts.
func NewGoRedisEvaler(addr string, opts Options) (*GoRedisEvaler, error) {
	opts = opts.withDefaults()

	var redisOpts *redis.Options
	if parsed, err := redis.ParseURL(addr); err == nil {
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: addr}
	}
	redisOpts.PoolSize = opts.PoolSize
	redisOpts.DialTimeout = time.Duration(opts.ConnectTimeoutMs) * time.Millisecond
	redisOpts.ReadTimeout = time.Duration(opts.CommandTimeoutMs) * time.Millisecond
	redisOpts.WriteTimeout = time.Duration(opts.CommandTimeoutMs) * time.Millisecond

	return &GoRedisEvaler{c: redis.NewClient(redisOpts)}, nil
}

func (g *GoRedisEvaler) ScriptLoad(ctx context.Context, script string) (string, error) {
	return g.c.ScriptLoad(ctx, script).Result()
}

func (g *GoRedisEvaler) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.EvalSha(ctx, sha, keys, args...).Result()
}

func (g *GoRedisEvaler) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

func (g *GoRedisEvaler) Close() error { return g.c.Close() }

// NewGoRedisAdapter is the production constructor: parse addr, build the
// pooled client, wrap it as an Adapter. Callers must still call Start.
func NewGoRedisAdapter(addr string, opts Options) (*Adapter, error) {
	evaler, err := NewGoRedisEvaler(addr, opts)
	if err != nil {
		return nil, err
	}
	return NewAdapter(evaler, opts), nil
}
