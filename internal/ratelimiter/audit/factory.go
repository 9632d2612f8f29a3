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
	"database/sql"
	"fmt"
	"time"
)

// DemoOptions holds the minimal knobs needed to build a demo Sink from a
// string selector, mirroring the shape of cmd/ratewall-demo's flags.
type DemoOptions struct {
	RedisAddr      string
	RedisMarkerTTL time.Duration
	KafkaTopic     string
	PostgresDB     *sql.DB
}

// BuildSink constructs a Sink by name. Supported adapters: "mock"
// (default), "redis", "kafka", "postgres".
func BuildSink(adapter string, opts DemoOptions) (Sink, error) {
	switch adapter {
	case "", "mock":
		return MockSink{}, nil
	case "redis":
		var evaler Evaler
		if opts.RedisAddr != "" {
			evaler = NewGoRedisEvaler(opts.RedisAddr)
		} else {
			return nil, fmt.Errorf("audit: redis adapter requires RedisAddr")
		}
		return NewRedisSink(evaler, opts.RedisMarkerTTL), nil
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "ratewall-audit"
		}
		return NewKafkaSink(LoggingProducer{}, topic), nil
	case "postgres":
		if opts.PostgresDB == nil {
			return nil, fmt.Errorf("audit: postgres adapter requires a *sql.DB")
		}
		return NewPostgresSink(opts.PostgresDB), nil
	default:
		return nil, fmt.Errorf("audit: unknown sink adapter %q", adapter)
	}
}
