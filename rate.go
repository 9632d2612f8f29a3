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

// Package ratewall implements a distributed GCRA rate limiter whose
// admission decisions are made atomically at a shared store (Redis or a
// Redis-compatible server offering EVAL). See pkg/gcra for the decision
// algorithm itself and the Lua script run at the store.
package ratewall

import (
	"regexp"
	"strconv"
)

// durationPattern matches the grammar in spec.md §4.1: a non-negative
// number, optionally fractional, followed by one of s/m/h/d.
var durationPattern = regexp.MustCompile(`^(\d+(\.\d+)?)(s|m|h|d)$`)

var unitMultiplierMs = map[string]float64{
	"s": 1000,
	"m": 60_000,
	"h": 3_600_000,
	"d": 86_400_000,
}

// ParseDurationMs parses a duration string of the form "10s", "1.5m", "2h"
// or "1d" into an integer millisecond value, truncating any fractional
// remainder. It returns a *ConfigError if the string does not match the
// grammar.
func ParseDurationMs(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, configErr("period", "invalid duration format: "+s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, configErr("period", "invalid duration format: "+s)
	}
	mult := unitMultiplierMs[m[3]]
	return int64(value * mult), nil
}

// Rate is an immutable GCRA rate: permits requests admitted per period,
// plus an optional burst tolerance. See spec.md §3 for the derivation of
// the emission interval T, burst capacity B, and per-rate TTL.
type Rate struct {
	Permits int64
	Period  string
	Burst   int64

	periodMs int64
	t        int64 // emission interval, ms
	b        int64 // burst capacity, ms
	ttl      int64 // per-rate TTL, ms
}

// NewRate validates and constructs a Rate. permits must be >= 1, burst must
// be >= 0, and period must parse under ParseDurationMs.
func NewRate(permits int64, period string, burst int64) (Rate, error) {
	if permits < 1 {
		return Rate{}, configErr("permits", "must be >= 1")
	}
	if burst < 0 {
		return Rate{}, configErr("burst", "must be >= 0")
	}
	periodMs, err := ParseDurationMs(period)
	if err != nil {
		return Rate{}, err
	}
	t := periodMs / permits
	b := burst * t
	ttl := periodMs + b
	if twice := periodMs * 2; twice > ttl {
		ttl = twice
	}
	return Rate{
		Permits:  permits,
		Period:   period,
		Burst:    burst,
		periodMs: periodMs,
		t:        t,
		b:        b,
		ttl:      ttl,
	}, nil
}

// MustRate is like NewRate but panics on error. Intended for package-level
// variable initialization in tests and demos, never for request-time use.
func MustRate(permits int64, period string, burst int64) Rate {
	r, err := NewRate(permits, period, burst)
	if err != nil {
		panic(err)
	}
	return r
}

// PeriodMs returns the parsed period in milliseconds.
func (r Rate) PeriodMs() int64 { return r.periodMs }

// EmissionIntervalMs returns T = period / permits, truncated.
func (r Rate) EmissionIntervalMs() int64 { return r.t }

// BurstCapacityMs returns B = burst * T.
func (r Rate) BurstCapacityMs() int64 { return r.b }

// TTLMs returns max(period + B, 2*period), the minimum quiescence window
// before a key may be treated as a first request again.
func (r Rate) TTLMs() int64 { return r.ttl }
