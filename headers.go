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
	"net/http"
	"strconv"
	"time"
)

// Result is the outcome of a Check call, carried from C4 through C5 up to
// the HTTP layer (spec.md §4.4/§6).
type Result struct {
	Allowed      bool
	RetryAfterMs int64
	ResetMs      int64
	Remaining    int64
	MatchedRate  *Rate // the rate ApplyHeaders' RateLimit-Limit is drawn from
}

// deltaSeconds converts a millisecond duration to whole seconds, rounding
// up and clamping to a minimum of 1 (spec.md §6 "Retry-After and
// RateLimit-Reset"). A caller-visible 0 would read as "retry immediately",
// which is never true: the store always held the key for at least one
// emission interval.
func deltaSeconds(ms int64) int64 {
	s := (ms + 999) / 1000
	if s < 1 {
		s = 1
	}
	return s
}

// ApplyHeaders sets the informational rate-limit headers on an HTTP
// response, per spec.md §4.5/§6. It is safe to call on both admitted and
// rejected requests: Retry-After is set only when !result.Allowed.
func ApplyHeaders(h http.Header, result Result, policy *Policy, legacyTimestampHeader, exposePolicyHeader bool, now time.Time) {
	if result.MatchedRate == nil {
		return
	}
	limit := result.MatchedRate.Permits

	remaining := result.Remaining
	if remaining < 0 {
		remaining = 0
	}

	h.Set("RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(remaining, 10))

	resetDelta := deltaSeconds(result.ResetMs)
	h.Set("RateLimit-Reset", strconv.FormatInt(resetDelta, 10))

	if !result.Allowed {
		h.Set("Retry-After", strconv.FormatInt(deltaSeconds(result.RetryAfterMs), 10))
	}

	if legacyTimestampHeader {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(time.Duration(resetDelta)*time.Second).Unix(), 10))
	}

	if exposePolicyHeader && policy != nil {
		h.Set("X-RateLimit-Policy", policy.Describe())
	}
}
