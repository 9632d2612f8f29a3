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
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/brindlecore/ratewall/pkg/gcra"
)

// Router picks one of several configured store endpoints for a given
// scope/hash-tag and routes CheckPolicy to it (C6). A deployment with a
// single store_url needs no routing at all; Router degenerates to a direct
// pass-through in that case so the common case carries no HRW overhead.
//
// Routing is client-side and independent per request: there is no
// coordination between ratewall instances about which endpoint currently
// "owns" a hash tag, only a deterministic function of the tag that every
// instance computes the same way. Adding or removing an endpoint remaps a
// 1/N fraction of tags, the standard rendezvous-hashing guarantee.
type Router struct {
	endpoints map[string]*Adapter
	order     []string
	rv        *rendezvous.Rendezvous
}

// NewRouter builds a Router over already-started adapters keyed by their
// endpoint address. Call Start on each Adapter before constructing Router,
// or call Router.Start afterward to start them all.
func NewRouter(endpoints map[string]*Adapter) *Router {
	order := make([]string, 0, len(endpoints))
	for addr := range endpoints {
		order = append(order, addr)
	}
	return &Router{
		endpoints: endpoints,
		order:     order,
		rv:        rendezvous.New(order, xxhash.Sum64String),
	}
}

// Start starts every configured endpoint, returning the first error
// encountered (wrapped with the offending address for diagnosability).
func (r *Router) Start(ctx context.Context) error {
	for _, addr := range r.order {
		if err := r.endpoints[addr].Start(ctx); err != nil {
			return fmt.Errorf("store endpoint %s: %w", addr, err)
		}
	}
	return nil
}

// Healthy reports whether every endpoint is reachable. A sharded deployment
// is only as healthy as its least healthy shard: a single unreachable
// endpoint strands every hash tag routed to it.
func (r *Router) Healthy(ctx context.Context) bool {
	for _, addr := range r.order {
		if !r.endpoints[addr].Healthy(ctx) {
			return false
		}
	}
	return true
}

// CheckPolicy routes by hashTag (the {scope} portion of the generated
// keys, spec.md §5) to a single endpoint and evaluates the policy there.
// All keys of one policy check always share a hash tag, so they are
// guaranteed to land on the same shard (spec.md §5 "Clustering").
func (r *Router) CheckPolicy(ctx context.Context, hashTag string, keys []string, params []gcra.RateParams, nowMs, ttlMs int64) (gcra.PolicyResult, error) {
	addr := r.pick(hashTag)
	return r.endpoints[addr].CheckPolicy(ctx, keys, params, nowMs, ttlMs)
}

func (r *Router) pick(hashTag string) string {
	if len(r.order) == 1 {
		return r.order[0]
	}
	return r.rv.Lookup(hashTag)
}
