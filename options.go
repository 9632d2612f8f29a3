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

package ratewall

import (
	"time"

	"github.com/brindlecore/ratewall/internal/ratelimiter/audit"
)

// FailMode selects admission behavior when the store is unreachable,
// per spec.md §4.6.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

func (m FailMode) valid() bool { return m == FailOpen || m == FailClosed }

// DecisionEvent is passed to OnDecision after every Check call, win or
// lose. Hooks must never be able to affect the admission decision itself
// (spec.md §4.7): the event is a read-only snapshot.
type DecisionEvent struct {
	Policy    string
	Principal string
	Scope     string
	Result    Result
}

// AuditConfig wires C7, the decision audit trail, into a Limiter. It is
// entirely optional: a Limiter built with Audit == nil does no audit
// bookkeeping at all.
type AuditConfig struct {
	Sink audit.Sink

	// FlushInterval bounds how long an admission event may sit batched in
	// memory before being committed to Sink. Default 2s.
	FlushInterval time.Duration

	// HighWatermark is the number of buffered events that forces an
	// immediate flush regardless of FlushInterval. Default 256.
	HighWatermark int

	// LowWatermark is the fewest buffered events a periodic tick needs in
	// order to flush; a tick with fewer is skipped, so an event can stay
	// buffered past FlushInterval until enough others arrive. It does not
	// affect the HighWatermark trigger or the final flush on shutdown.
	// Default 0 (every tick flushes).
	LowWatermark int
}

// Options configures a Limiter (spec.md §6 "Configuration"). Exactly one
// of StoreURL or StoreURLs must be set; StoreURLs (plural) enables the C6
// rendezvous-hashed shard router across several store endpoints. Setting
// both is a ConfigInvalid error, not a silent precedence rule.
type Options struct {
	StoreURL  string
	StoreURLs []string

	DefaultPolicy *Policy
	FailMode      FailMode
	AppName       string
	ScopeMode     ScopeMode
	ExposeHeaders bool

	ConnectTimeoutMs int64
	CommandTimeoutMs int64

	LegacyTimestampHeader bool
	ExposePolicyHeader    bool

	OnDecision func(DecisionEvent)
	OnError    func(error)

	Audit *AuditConfig
}

func (o *Options) storeAddrs() []string {
	if len(o.StoreURLs) > 0 {
		return o.StoreURLs
	}
	if o.StoreURL != "" {
		return []string{o.StoreURL}
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FailMode == "" {
		out.FailMode = FailOpen
	}
	if out.AppName == "" {
		out.AppName = "ratewall"
	}
	if out.ScopeMode == "" {
		out.ScopeMode = ScopeRoute
	}
	if out.ConnectTimeoutMs <= 0 {
		out.ConnectTimeoutMs = 1000
	}
	if out.CommandTimeoutMs <= 0 {
		out.CommandTimeoutMs = 100
	}
	if out.Audit != nil {
		if out.Audit.FlushInterval <= 0 {
			out.Audit.FlushInterval = 2 * time.Second
		}
		if out.Audit.HighWatermark <= 0 {
			out.Audit.HighWatermark = 256
		}
	}
	return out
}

func (o *Options) validate() error {
	if o.StoreURL != "" && len(o.StoreURLs) > 0 {
		return configErr("store_url", "store_url and store_urls are mutually exclusive")
	}
	if len(o.storeAddrs()) == 0 {
		return configErr("store_url", "must set store_url or store_urls")
	}
	if o.DefaultPolicy == nil {
		return configErr("default_policy", "must not be nil")
	}
	if !o.FailMode.valid() {
		return configErr("fail_mode", "must be \"open\" or \"closed\"")
	}
	if !o.ScopeMode.valid() {
		return configErr("scope_mode", "must be one of route, method, app")
	}
	if o.Audit != nil && o.Audit.Sink == nil {
		return configErr("audit.sink", "must not be nil when audit is configured")
	}
	return nil
}
