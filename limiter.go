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
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/brindlecore/ratewall/internal/ratelimiter/audit"
	"github.com/brindlecore/ratewall/internal/ratelimiter/identity"
	"github.com/brindlecore/ratewall/internal/ratelimiter/store"
	"github.com/brindlecore/ratewall/internal/ratelimiter/telemetry"
	"github.com/brindlecore/ratewall/pkg/gcra"
)

type limiterState int

const (
	stateUninit limiterState = iota
	stateReady
	stateDegraded // startup failed under fail_mode=open; admits everything until an explicit Start
	stateClosed
)

// Limiter is the admission facade (C5): it orchestrates key derivation,
// the atomic store script, observer hooks, fail-mode fallback, and
// telemetry for every Check call.
type Limiter struct {
	opts       Options
	router     *store.Router
	metrics    *telemetry.Metrics
	aggregator *audit.Aggregator

	mu    sync.Mutex
	state limiterState
}

// New validates opts and constructs a Limiter. The store connection is not
// established yet: the first Check call (or an explicit Start) does that.
func New(opts Options) (*Limiter, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	metrics := telemetry.New()

	endpoints := make(map[string]*store.Adapter)
	for _, addr := range opts.storeAddrs() {
		a, err := store.NewGoRedisAdapter(addr, store.Options{
			ConnectTimeoutMs: opts.ConnectTimeoutMs,
			CommandTimeoutMs: opts.CommandTimeoutMs,
			Reload:           metrics,
		})
		if err != nil {
			return nil, configErr("store_url", err.Error())
		}
		endpoints[addr] = a
	}

	l := &Limiter{
		opts:    opts,
		router:  store.NewRouter(endpoints),
		metrics: metrics,
	}

	if opts.Audit != nil {
		l.aggregator = audit.NewAggregator(opts.Audit.Sink, opts.Audit.FlushInterval, opts.Audit.HighWatermark, opts.Audit.LowWatermark)
		l.aggregator.Start()
	}

	return l, nil
}

// Start opens the store connection and loads the GCRA script. Check calls
// it automatically (once, single-flight, guarded by the same mutex) the
// first time the limiter is used; callers may also call it eagerly at
// application startup to fail fast rather than on the first request. A
// Degraded limiter (fail_mode=open, prior startup failure) only retries
// startup through an explicit call here: Check never retries on its own,
// matching spec.md's "admits all until next startup".
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(ctx)
}

func (l *Limiter) startLocked(ctx context.Context) error {
	if l.state == stateClosed {
		return ErrClosed
	}
	if err := l.router.Start(ctx); err != nil {
		if l.opts.FailMode == FailClosed {
			return NewRuntimeError(KindStoreUnavailable, err)
		}
		l.state = stateDegraded
		return nil
	}
	l.state = stateReady
	return nil
}

// ensureStarted implicitly invokes Start exactly once, only while the
// limiter is Uninit (spec.md §4.6 "A check in Uninit implicitly invokes
// startup once"). A Degraded or Ready limiter returns immediately without
// touching the store.
func (l *Limiter) ensureStarted(ctx context.Context) (limiterState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateUninit {
		if err := l.startLocked(ctx); err != nil {
			return l.state, err
		}
	}
	return l.state, nil
}

// MetricsHandler returns an http.Handler serving this limiter's Prometheus
// metrics in the exposition format, for mounting on a caller's own mux
// (spec.md §4.8's optional /metrics endpoint).
func (l *Limiter) MetricsHandler() http.Handler { return l.metrics.Handler() }

// Healthy reports whether the limiter has completed startup and the store
// responds to a lightweight ping within the command timeout.
func (l *Limiter) Healthy(ctx context.Context) bool {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state != stateReady {
		return false
	}
	return l.router.Healthy(ctx)
}

// Shutdown marks the limiter closed and flushes any pending audit events.
// It does not close the store connections. A closed limiter rejects every
// subsequent Check with ErrClosed.
func (l *Limiter) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.state = stateClosed
	l.mu.Unlock()

	if l.aggregator != nil {
		l.aggregator.Shutdown(ctx)
	}
	return nil
}

// resolveSelector maps a KeySpec's built-in tag onto the concrete identity
// selector, or returns the caller's own custom Selector untouched. This
// indirection lives here, not in policy.go, so the public Policy type
// carries no dependency on internal/ratelimiter/identity.
func resolveSelector(k KeySpec) Selector {
	if k.isCustom() {
		return k.selector
	}
	switch k.tag {
	case "ip":
		return Selector(identity.IP)
	case "api_key":
		return Selector(identity.APIKey)
	case "user":
		return Selector(identity.User)
	case "org":
		return Selector(identity.Org)
	default:
		// unreachable: NewPolicy validates tag against builtinKeyTags.
		return Selector(identity.IP)
	}
}

// widestRate returns a pointer to the rate with the largest Permits, the
// rate whose limit and remaining value are reported on fail-open fallback
// (spec.md §4.6 "open returns allowed=true with remaining = max(permits_i)").
func widestRate(p *Policy) *Rate {
	widest := &p.Rates[0]
	for i := 1; i < len(p.Rates); i++ {
		if p.Rates[i].Permits > widest.Permits {
			widest = &p.Rates[i]
		}
	}
	return widest
}

// degradedResult builds the fail-open fallback result, used both while the
// limiter itself is Degraded and for a transient per-request store error
// under fail_mode=open.
func degradedResult(p *Policy) Result {
	rate := widestRate(p)
	return Result{
		Allowed:      true,
		RetryAfterMs: 0,
		ResetMs:      0,
		Remaining:    rate.Permits,
		MatchedRate:  rate,
	}
}

// closedFallbackResult builds the fail-closed fallback result (spec.md
// §4.6 "closed returns allowed=false with retry=reset=1000 ms").
func closedFallbackResult(p *Policy) Result {
	return Result{
		Allowed:      false,
		RetryAfterMs: 1000,
		ResetMs:      1000,
		Remaining:    0,
		MatchedRate:  &p.Rates[0],
	}
}

// safeOnError invokes the OnError hook, if set, guarding against a panic
// inside caller code so an observer can never break admission.
func (l *Limiter) safeOnError(err error) {
	if l.opts.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ratewall: on_error hook panicked: %v", r)
		}
	}()
	l.opts.OnError(err)
}

// safeOnDecision invokes the OnDecision hook, if set, with the same
// panic-safety guarantee as safeOnError.
func (l *Limiter) safeOnDecision(ev DecisionEvent) {
	if l.opts.OnDecision == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ratewall: on_decision hook panicked: %v", r)
		}
	}()
	l.opts.OnDecision(ev)
}

// Check evaluates one request against policy, deriving the scope from the
// limiter's configured ScopeMode and the principal from policy's KeySpec.
// A nil policy falls back to opts.DefaultPolicy. Check never returns an
// error for a store-layer failure: fail_mode always produces a usable
// Result instead (spec.md §4.6/§7); the only errors returned are ErrClosed
// and, under fail_mode=closed, a *RuntimeError of KindStoreUnavailable when
// startup fails.
func (l *Limiter) Check(ctx context.Context, r *http.Request, policy *Policy) (Result, error) {
	if policy == nil {
		policy = l.opts.DefaultPolicy
	}

	state, err := l.ensureStarted(ctx)
	if err != nil {
		return Result{}, err
	}
	if state == stateClosed {
		return Result{}, ErrClosed
	}
	if state == stateDegraded {
		l.safeOnError(NewRuntimeError(KindStoreUnavailable, ErrNotReady))
		res := degradedResult(policy)
		l.metrics.ObserveRequest(telemetry.OutcomeAdmitted)
		l.recordDecision(policy, "", scopeFor(l.opts.ScopeMode, r), res)
		return res, nil
	}

	principal := foldPrincipal(resolveSelector(policy.KeySpec)(r))
	scope := scopeFor(l.opts.ScopeMode, r)
	keys := GenerateKeys(l.opts.AppName, l.opts.ScopeMode, scope, principal, policy)

	params := make([]gcra.RateParams, len(policy.Rates))
	for i, rt := range policy.Rates {
		params[i] = gcra.RateParams{T: rt.EmissionIntervalMs(), B: rt.BurstCapacityMs()}
	}

	now := time.Now()
	start := now
	pr, err := l.router.CheckPolicy(ctx, scope, keys, params, now.UnixMilli(), policy.TTLMs())
	l.metrics.ObserveStoreLatency(time.Since(start))

	if err != nil {
		return l.handleStoreError(policy, principal, scope, err)
	}

	res := Result{
		Allowed:      pr.Allowed,
		RetryAfterMs: pr.RetryMs,
		ResetMs:      pr.ResetMs,
		Remaining:    pr.Remaining,
		MatchedRate:  &policy.Rates[pr.MatchedIndex],
	}

	outcome := telemetry.OutcomeAdmitted
	if !res.Allowed {
		outcome = telemetry.OutcomeRejected
	}
	l.metrics.ObserveRequest(outcome)

	l.recordDecision(policy, principal, scope, res)
	l.recordAudit(policy, principal, scope, res, now)

	return res, nil
}

// handleStoreError classifies a store failure, invokes on_error, and
// applies fail_mode per spec.md §4.6 (categories 2-4: StoreUnavailable,
// StoreScript, StoreProtocol). It never changes the limiter's state: a
// transient per-request failure is not the same as a startup failure.
func (l *Limiter) handleStoreError(policy *Policy, principal, scope string, err error) (Result, error) {
	var kind ErrorKind
	var se *store.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case store.ErrUnavailable:
			kind = KindStoreUnavailable
		case store.ErrScript:
			kind = KindStoreScript
		default:
			kind = KindStoreProtocol
		}
	} else {
		kind = KindStoreUnavailable
	}

	l.metrics.ObserveStoreError(kind.String())
	l.safeOnError(NewRuntimeError(kind, err))
	l.metrics.ObserveRequest(telemetry.OutcomeError)

	var res Result
	if l.opts.FailMode == FailOpen {
		res = degradedResult(policy)
	} else {
		res = closedFallbackResult(policy)
	}
	l.recordDecision(policy, principal, scope, res)
	return res, nil
}

func (l *Limiter) recordDecision(policy *Policy, principal, scope string, res Result) {
	name := ""
	if policy != nil {
		name = policy.Name
	}
	l.safeOnDecision(DecisionEvent{Policy: name, Principal: principal, Scope: scope, Result: res})
}

// recordAudit buffers a decision for the audit trail. Both scope and
// principal are hashed before they reach the Event: the audit trail never
// stores a raw principal or a raw store key (spec.md §9 open question on
// unbounded/raw selector output applies here too).
func (l *Limiter) recordAudit(policy *Policy, principal, scope string, res Result, now time.Time) {
	if l.aggregator == nil {
		return
	}
	l.aggregator.Record(audit.Event{
		ScopeHash:     audit.HashIdentity(scope),
		PrincipalHash: audit.HashIdentity(principal),
		Policy:        policy.Name,
		Allowed:       res.Allowed,
		Remaining:     res.Remaining,
		TsUnixMs:      now.UnixMilli(),
	})
	l.metrics.SetAuditQueueDepth(l.aggregator.Pending())
}
