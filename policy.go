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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// MaxRatesPerPolicy bounds the number of rates a Policy may compose, per
// spec.md §4.1. The atomic script (C4) is sized to this same maximum.
const MaxRatesPerPolicy = 3

// maxPrincipalLen bounds the length of a principal string before it is
// folded into the store key. spec.md §9 flags the source's unbounded,
// unnormalized principal as an open question; we resolve it by hashing
// anything longer than this bound rather than embedding it verbatim,
// so a pathological custom selector can never produce unbounded keys.
const maxPrincipalLen = 256

// Selector maps an HTTP request to a principal string. A custom Selector
// supplied by the caller must never panic; identity.Compose guards against that,
// but a Selector used standalone (not via Compose) is the caller's
// responsibility to keep total.
type Selector func(*http.Request) string

// ScopeMode selects how the "what" half of a rate limit key (the scope) is
// derived from the request, per spec.md §3. It is chosen once at Limiter
// construction, never per policy.
type ScopeMode string

const (
	ScopeRoute  ScopeMode = "route"
	ScopeMethod ScopeMode = "method"
	ScopeApp    ScopeMode = "app"
)

func (m ScopeMode) valid() bool {
	switch m {
	case ScopeRoute, ScopeMethod, ScopeApp:
		return true
	default:
		return false
	}
}

// scopeFor derives the scope string for a request under the configured mode.
func scopeFor(mode ScopeMode, r *http.Request) string {
	switch mode {
	case ScopeApp:
		return "global"
	case ScopeMethod:
		return r.Method + ":" + r.URL.Path
	default: // ScopeRoute
		return r.URL.Path
	}
}

// KeySpec identifies how a Policy derives its principal. It is either one
// of the closed set of built-in identity tags {ip, api_key, user, org}, or
// an opaque caller-supplied Selector. The zero value is invalid; use the
// Key* constructors below.
type KeySpec struct {
	tag      string
	selector Selector
}

// builtinKeyTags is the closed set of recognized identity tags from
// spec.md §4.1. The functions themselves live in internal/ratelimiter/identity
// and are wired in by resolveSelector (see limiter.go) to avoid an import
// cycle between the public Policy type and the identity package.
var builtinKeyTags = map[string]struct{}{
	"ip":      {},
	"api_key": {},
	"user":    {},
	"org":     {},
}

// KeyIP selects the built-in IP identity selector.
func KeyIP() KeySpec { return KeySpec{tag: "ip"} }

// KeyAPIKey selects the built-in API key identity selector.
func KeyAPIKey() KeySpec { return KeySpec{tag: "api_key"} }

// KeyUser selects the built-in authenticated-user identity selector.
func KeyUser() KeySpec { return KeySpec{tag: "user"} }

// KeyOrg selects the built-in organization identity selector.
func KeyOrg() KeySpec { return KeySpec{tag: "org"} }

// KeyFunc wraps a caller-supplied Selector as a KeySpec.
func KeyFunc(fn Selector) KeySpec { return KeySpec{selector: fn} }

func (k KeySpec) isCustom() bool { return k.selector != nil }

// Policy is an immutable, ordered composition of 1..3 Rates sharing one
// identity selector, per spec.md §3. All rates must admit for the policy
// to admit a request.
type Policy struct {
	Name    string
	Rates   []Rate
	KeySpec KeySpec

	ttlPolicy int64
}

// NewPolicy validates and constructs a Policy. rates must contain between 1
// and MaxRatesPerPolicy entries.
func NewPolicy(name string, keySpec KeySpec, rates ...Rate) (*Policy, error) {
	if len(rates) == 0 {
		return nil, configErr("rates", "policy must have at least one rate")
	}
	if len(rates) > MaxRatesPerPolicy {
		return nil, configErr("rates", fmt.Sprintf("policy may have at most %d rates", MaxRatesPerPolicy))
	}
	if !keySpec.isCustom() {
		if _, ok := builtinKeyTags[keySpec.tag]; !ok {
			return nil, configErr("key_spec", "must be one of ip, api_key, user, org, or a custom selector")
		}
	}
	var ttl int64
	for _, r := range rates {
		if r.periodMs == 0 && r.Period == "" {
			return nil, configErr("rates", "rate was not constructed via NewRate")
		}
		if r.ttl > ttl {
			ttl = r.ttl
		}
	}
	return &Policy{Name: name, Rates: append([]Rate(nil), rates...), KeySpec: keySpec, ttlPolicy: ttl}, nil
}

// TTLMs returns max(τ_i) across the policy's rates.
func (p *Policy) TTLMs() int64 { return p.ttlPolicy }

// foldPrincipal bounds an arbitrary principal string to maxPrincipalLen,
// hashing the overflow case so a pathological custom selector can never
// blow up store key sizes. Built-in selectors never exceed the bound in
// practice, but the fold applies uniformly.
func foldPrincipal(p string) string {
	if len(p) <= maxPrincipalLen {
		return p
	}
	sum := sha256.Sum256([]byte(p))
	return p[:maxPrincipalLen-17] + "~" + hex.EncodeToString(sum[:8])
}

// GenerateKeys derives one store key per rate of the policy, in policy
// order, per the layout in spec.md §3:
//
//	{app}:{scope_mode}:{hash_tag}:{principal}:r{i}:{permits}/{period}
//
// hash_tag wraps scope (not principal) in braces so a clustered store
// colocates every rate's key for one request on a single shard.
func GenerateKeys(app string, mode ScopeMode, scope, principal string, p *Policy) []string {
	principal = foldPrincipal(principal)
	keys := make([]string, len(p.Rates))
	for i, r := range p.Rates {
		keys[i] = fmt.Sprintf("%s:%s:{%s}:%s:r%d:%d/%s",
			app, mode, scope, principal, i, r.Permits, r.Period)
	}
	return keys
}

// Describe renders a short human-readable policy descriptor, used for the
// optional X-RateLimit-Policy header (spec.md §6). Only the tightest (last)
// rate configured is typically of interest to clients, but we describe the
// whole composition so multi-rate policies remain legible.
func (p *Policy) Describe() string {
	parts := make([]string, len(p.Rates))
	for i, r := range p.Rates {
		s := strconv.FormatInt(r.Permits, 10) + ";w=" + r.Period
		if r.Burst > 0 {
			s += ";burst=" + strconv.FormatInt(r.Burst, 10)
		}
		parts[i] = s
	}
	return strings.Join(parts, ", ")
}
