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

// Package gcra implements the Generic Cell Rate Algorithm decision
// procedure described in spec.md §4.4, plus the Lua source of the atomic
// server-side script that runs it at the store.
//
// Decide is a pure, single-rate function with no dependency on the store.
// It exists for two reasons: it is unit-testable against the literal
// scenarios in spec.md §8 without any Redis dependency, and it documents
// — in Go, read by anyone reviewing this package — exactly what the Lua
// script below must compute, so the two can be kept in lockstep by
// inspection. The actual admission decision always happens at the store;
// Decide is never called on the hot admission path (see
// internal/ratelimiter/store, C3/C4).
package gcra

// RateParams are the two GCRA inputs derived from a Rate (spec.md §3):
// emission interval T and burst capacity B, both in milliseconds.
type RateParams struct {
	T int64
	B int64
}

// Verdict is the outcome of evaluating one rate against a stored TAT.
type Verdict struct {
	Allowed   bool
	NewTAT    int64 // valid only if Allowed
	RetryMs   int64 // valid only if !Allowed
	ResetMs   int64
	Remaining int64
}

// Decide evaluates a single rate's GCRA check-then-write step, per
// spec.md §4.4 steps 1-4. tatExists reports whether a stored TAT was
// found; when false, the algorithm treats the key as a first request
// (TAT = nowMs).
func Decide(p RateParams, tat int64, tatExists bool, nowMs int64) Verdict {
	if !tatExists {
		tat = nowMs
	}
	allowAt := tat - p.B
	if nowMs < allowAt {
		return Verdict{
			Allowed: false,
			RetryMs: allowAt - nowMs,
			ResetMs: tat - nowMs,
		}
	}
	base := tat
	if nowMs > base {
		base = nowMs
	}
	newTAT := base + p.T
	resetMs := newTAT - nowMs
	remaining := (p.B - resetMs) / p.T
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   true,
		NewTAT:    newTAT,
		ResetMs:   resetMs,
		Remaining: remaining,
	}
}

// PolicyResult is the composed outcome of evaluating every rate of a
// policy against the store, per spec.md §4.4 "Composition over multiple
// rates". MatchedIndex is 0-based here; the wire contract (spec.md §6)
// uses a 1-based index, converted at the store adapter boundary.
type PolicyResult struct {
	Allowed      bool
	RetryMs      int64
	ResetMs      int64
	Remaining    int64
	MatchedIndex int
}

// Compose implements the check-then-write decision across up to
// MaxRates verdicts, already computed per-rate by Decide. It does not
// perform any writes itself — by design, so the caller (the Lua script,
// or a test harness exercising this function directly) can defer writing
// new TATs until it is known that every rate admits.
func Compose(verdicts []Verdict) PolicyResult {
	// First pass: any rejection wins, using the rejecting rate with the
	// largest retry delay.
	rejectIdx := -1
	for i, v := range verdicts {
		if v.Allowed {
			continue
		}
		if rejectIdx == -1 || v.RetryMs > verdicts[rejectIdx].RetryMs {
			rejectIdx = i
		}
	}
	if rejectIdx != -1 {
		v := verdicts[rejectIdx]
		return PolicyResult{
			Allowed:      false,
			RetryMs:      v.RetryMs,
			ResetMs:      v.ResetMs,
			Remaining:    0,
			MatchedIndex: rejectIdx,
		}
	}

	// Every rate admits: select the tightest (smallest remaining) as the
	// matched rate.
	tightest := 0
	for i := 1; i < len(verdicts); i++ {
		if verdicts[i].Remaining < verdicts[tightest].Remaining {
			tightest = i
		}
	}
	v := verdicts[tightest]
	return PolicyResult{
		Allowed:      true,
		RetryMs:      0,
		ResetMs:      v.ResetMs,
		Remaining:    v.Remaining,
		MatchedIndex: tightest,
	}
}

// MaxRates is the maximum number of rates a policy may compose, mirrored
// from spec.md §4.1 (MaxRatesPerPolicy in the root package) so this
// package has no dependency on the root module.
const MaxRates = 3
