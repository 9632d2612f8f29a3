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

// Package store wraps a Redis-compatible client with the GCRA script
// invocation contract of spec.md §6 (C3/C4): load-once, EVALSHA-first with
// a single reload-and-retry on NOSCRIPT, connect/command timeouts, and
// optional rendezvous-hashed routing across several store endpoints (C6).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brindlecore/ratewall/pkg/gcra"
)

// Evaler abstracts the minimal Redis surface the adapter needs. Production
// code wraps github.com/redis/go-redis/v9 (GoRedisEvaler below); tests
// substitute a fake.
type Evaler interface {
	ScriptLoad(ctx context.Context, script string) (string, error)
	EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error)
	Ping(ctx context.Context) error
}

// ReloadObserver is notified each time an Adapter transparently reloads its
// cached script SHA in response to a NOSCRIPT reply (spec.md §4.8's
// ratewall_script_reloads_total). It is never called for the initial load
// Start performs: that is a cold start, not a reload.
type ReloadObserver interface {
	ObserveScriptReload()
}

type noopReloadObserver struct{}

func (noopReloadObserver) ObserveScriptReload() {}

// Options configures a single Adapter endpoint.
type Options struct {
	Addr              string
	ConnectTimeoutMs  int64
	CommandTimeoutMs  int64
	PoolSize          int

	// Reload is notified on every NOSCRIPT-triggered reload. Nil is a
	// valid, silent no-op.
	Reload ReloadObserver
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeoutMs <= 0 {
		o.ConnectTimeoutMs = 1000
	}
	if o.CommandTimeoutMs <= 0 {
		o.CommandTimeoutMs = 100
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 50
	}
	if o.Reload == nil {
		o.Reload = noopReloadObserver{}
	}
	return o
}

// Adapter executes policy checks against one store endpoint by invoking
// gcra.Script. It caches the script's SHA after the first successful load
// and reloads it exactly once if the store reports NOSCRIPT (e.g. after a
// SCRIPT FLUSH or a failover to a replica that never saw the LOAD).
type Adapter struct {
	client Evaler
	opts   Options

	mu  sync.RWMutex
	sha string
}

// NewAdapter wraps an already-constructed Evaler. Production callers use
// NewGoRedisAdapter; tests construct an Adapter directly with a fake.
func NewAdapter(client Evaler, opts Options) *Adapter {
	return &Adapter{client: client, opts: opts.withDefaults()}
}

// Start pings the store and loads the GCRA script, caching its SHA. It must
// succeed before CheckPolicy is called with EVALSHA; on failure it returns
// an *Error with Kind ErrUnavailable.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.opts.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := a.client.Ping(ctx); err != nil {
		return unavailable(fmt.Errorf("store ping: %w", err))
	}
	return a.loadScript(ctx)
}

func (a *Adapter) loadScript(ctx context.Context) error {
	sha, err := a.client.ScriptLoad(ctx, gcra.Script)
	if err != nil {
		return unavailable(fmt.Errorf("store script load: %w", err))
	}
	a.mu.Lock()
	a.sha = sha
	a.mu.Unlock()
	return nil
}

func (a *Adapter) cachedSHA() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sha
}

// Healthy reports whether the store answers a ping within the command
// timeout. It does not consult the outcome of Start. It is cheap enough to
// call on a readiness endpoint.
func (a *Adapter) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.opts.CommandTimeoutMs)*time.Millisecond)
	defer cancel()
	return a.client.Ping(ctx) == nil
}

// CheckPolicy evaluates up to gcra.MaxSlots rates against their keys in a
// single atomic round trip, padding unused slots per spec.md §6. keys and
// params must be the same length, 1..gcra.MaxSlots.
func (a *Adapter) CheckPolicy(ctx context.Context, keys []string, params []gcra.RateParams, nowMs, ttlMs int64) (gcra.PolicyResult, error) {
	n := len(keys)
	if n == 0 || n > gcra.MaxSlots || len(params) != n {
		return gcra.PolicyResult{}, protocolErr(fmt.Errorf("store: invalid rate count %d", n))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.opts.CommandTimeoutMs)*time.Millisecond)
	defer cancel()

	paddedKeys := make([]string, gcra.MaxSlots)
	copy(paddedKeys, keys)

	args := make([]interface{}, 0, 3+2*gcra.MaxSlots)
	args = append(args, nowMs, ttlMs, n)
	for i := 0; i < gcra.MaxSlots; i++ {
		if i < n {
			args = append(args, params[i].T, params[i].B)
		} else {
			args = append(args, 0, 0)
		}
	}

	sha := a.cachedSHA()
	if sha == "" {
		if err := a.loadScript(ctx); err != nil {
			return gcra.PolicyResult{}, err
		}
		sha = a.cachedSHA()
	}

	raw, err := a.client.EvalSha(ctx, sha, paddedKeys, args...)
	if err != nil && isNoScript(err) {
		if err := a.loadScript(ctx); err != nil {
			return gcra.PolicyResult{}, err
		}
		a.opts.Reload.ObserveScriptReload()
		raw, err = a.client.EvalSha(ctx, a.cachedSHA(), paddedKeys, args...)
	}
	if err != nil {
		return gcra.PolicyResult{}, classifyEvalErr(err)
	}

	return parseResult(raw)
}

func isNoScript(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "NOSCRIPT")
}

func classifyEvalErr(err error) error {
	if isNoScript(err) {
		return scriptErr(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable(err)
	}
	msg := strings.ToUpper(err.Error())
	if strings.Contains(msg, "CONNECTION") || strings.Contains(msg, "TIMEOUT") || strings.Contains(msg, "EOF") {
		return unavailable(err)
	}
	return scriptErr(err)
}

// parseResult decodes the script's {allowed, retry_after_ms, reset_ms,
// remaining, matched_index} reply. matched_index arrives 1-based per
// spec.md §6 and is converted to 0-based here, matching gcra.PolicyResult's
// documented convention.
func parseResult(raw interface{}) (gcra.PolicyResult, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 5 {
		return gcra.PolicyResult{}, protocolErr(fmt.Errorf("store: unexpected script reply %#v", raw))
	}
	n := make([]int64, 5)
	for i, v := range vals {
		iv, err := toInt64(v)
		if err != nil {
			return gcra.PolicyResult{}, protocolErr(fmt.Errorf("store: reply[%d]: %w", i, err))
		}
		n[i] = iv
	}
	return gcra.PolicyResult{
		Allowed:      n[0] != 0,
		RetryMs:      n[1],
		ResetMs:      n[2],
		Remaining:    n[3],
		MatchedIndex: int(n[4]) - 1,
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
