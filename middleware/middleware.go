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

// Package middleware is the thin net/http adapter around a *ratewall.Limiter
// (spec.md's "HTTP framework glue beyond a thin net/http adapter kept for
// demonstration"). It holds no rate-limiting logic of its own: every
// decision is made by Limiter.Check, and this package only wires an
// http.Handler to it and renders a 429 on rejection.
package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/brindlecore/ratewall"
)

// rejectionBody is the default 429 wire body (spec.md §6): a caller that
// does not set OnRejected gets this JSON, not a plain-text error page.
type rejectionBody struct {
	Detail       string `json:"detail"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// Config configures the middleware. Policy is optional: a nil Policy falls
// back to the wrapped Limiter's DefaultPolicy, same as Limiter.Check. The
// X-RateLimit-Policy header is rendered from Config.Policy only, so with a
// nil Policy it is never set, even when ExposePolicyHeader is true.
type Config struct {
	Limiter *ratewall.Limiter
	Policy  *ratewall.Policy

	// ExposePolicyHeader and LegacyTimestampHeader mirror the same-named
	// Options fields, applied per middleware instance rather than per
	// Limiter so one Limiter can back routes with different header
	// verbosity.
	ExposePolicyHeader    bool
	LegacyTimestampHeader bool

	// OnRejected, if set, replaces the default 429 body. Headers are
	// already applied by the time it is called.
	OnRejected func(w http.ResponseWriter, r *http.Request, res ratewall.Result)
}

// Wrap returns an http.Handler that checks every request against cfg's
// Limiter and Policy before delegating to next. A rejected request never
// reaches next.
func Wrap(cfg Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := cfg.Limiter.Check(r.Context(), r, cfg.Policy)
		if err != nil {
			http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
			return
		}

		policy := cfg.Policy
		ratewall.ApplyHeaders(w.Header(), res, policy, cfg.LegacyTimestampHeader, cfg.ExposePolicyHeader, time.Now())

		if !res.Allowed {
			if cfg.OnRejected != nil {
				cfg.OnRejected(w, r, res)
				return
			}
			writeDefaultRejection(w, res)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeDefaultRejection renders the 429 body a caller gets when it does not
// set OnRejected: JSON, not plain text, so a machine client can parse
// retry_after_ms without a Retry-After-header-only heuristic.
func writeDefaultRejection(w http.ResponseWriter, res ratewall.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejectionBody{
		Detail:       "rate_limited",
		RetryAfterMs: res.RetryAfterMs,
	})
}

// Route wraps a single handler function, the per-route equivalent of Wrap
// for callers that register handlers one at a time rather than building a
// shared middleware chain (e.g. http.ServeMux.HandleFunc call sites).
func Route(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	wrapped := Wrap(cfg, next)
	return func(w http.ResponseWriter, r *http.Request) { wrapped.ServeHTTP(w, r) }
}
