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

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brindlecore/ratewall/internal/ratelimiter/audit"
)

// countingSink tracks the number of CommitBatch calls ("writes") and the
// total number of events committed, so a test can compare Aggregator's
// batched write volume against a naive one-write-per-decision baseline.
type countingSink struct {
	mu      sync.Mutex
	batches int
	events  int
}

func (s *countingSink) CommitBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.events += len(events)
	return nil
}

func (s *countingSink) snapshot() (batches, events int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches, s.events
}

// driveDecisions feeds total Record calls into the aggregator, skewed
// across hot and cold principals in the same 80/20 shape admission traffic
// typically takes.
func driveDecisions(agg *audit.Aggregator, total int, hotShare float64, hotPrincipal string, coldPrincipals []string) {
	hotCount := int(float64(total) * hotShare)
	coldCount := total - hotCount

	now := time.Now().UnixMilli()
	for i := 0; i < hotCount; i++ {
		agg.Record(audit.Event{ScopeHash: audit.HashIdentity("default"), PrincipalHash: audit.HashIdentity(hotPrincipal), Policy: "default", Allowed: true, Remaining: 1, TsUnixMs: now})
	}
	perCold := 0
	if len(coldPrincipals) > 0 {
		perCold = coldCount / len(coldPrincipals)
	}
	rem := 0
	if len(coldPrincipals) > 0 {
		rem = coldCount % len(coldPrincipals)
	}
	for i, p := range coldPrincipals {
		n := perCold
		if i < rem {
			n++
		}
		for j := 0; j < n; j++ {
			agg.Record(audit.Event{ScopeHash: audit.HashIdentity("default"), PrincipalHash: audit.HashIdentity(p), Policy: "default", Allowed: true, Remaining: 1, TsUnixMs: now})
		}
	}
}

// Test_WriteReduction_HotKeyBatching verifies that a high-volume burst of
// audit events, skewed 80/20 toward one hot principal, is committed in far
// fewer sink writes than a naive one-write-per-decision baseline would
// require: the burst crosses HighWatermark repeatedly, and each crossing
// commits many events in a single CommitBatch call.
func Test_WriteReduction_HotKeyBatching(t *testing.T) {
	sink := &countingSink{}
	agg := audit.NewAggregator(sink, time.Hour, 100, 0) // flush only on watermark, not the ticker
	agg.Start()

	total := 20_000
	hotPrincipal := "203.0.113.9"
	coldPrincipals := make([]string, 64)
	for i := range coldPrincipals {
		coldPrincipals[i] = itoa(i)
	}

	driveDecisions(agg, total, 0.80, hotPrincipal, coldPrincipals)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if agg.Pending() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	agg.Shutdown(context.Background())

	batches, events := sink.snapshot()
	if events != total {
		t.Fatalf("total committed events mismatch: got %d want %d", events, total)
	}

	baselineWrites := total // one write per decision, the naive approach
	reduction := 1.0 - float64(batches)/float64(baselineWrites)
	if reduction < 0.95 { // batching at high_watermark=100 should collapse writes by >95%
		t.Fatalf("write reduction too low: got %.1f%% (batches=%d baseline=%d)", reduction*100, batches, baselineWrites)
	}
}

// Test_WriteReduction_UniformLoad verifies batching still reduces write
// volume substantially under a uniform (non-skewed) load spread across many
// principals, since the watermark applies to the aggregate buffer
// regardless of which principal an event belongs to.
func Test_WriteReduction_UniformLoad(t *testing.T) {
	sink := &countingSink{}
	agg := audit.NewAggregator(sink, time.Hour, 100, 0)
	agg.Start()

	total := 32_000
	principals := 16
	now := time.Now().UnixMilli()
	for i := 0; i < principals; i++ {
		p := itoa(i)
		per := total / principals
		rem := total % principals
		n := per
		if i < rem {
			n++
		}
		for j := 0; j < n; j++ {
			agg.Record(audit.Event{ScopeHash: audit.HashIdentity("default"), PrincipalHash: audit.HashIdentity(p), Policy: "default", Allowed: true, Remaining: 1, TsUnixMs: now})
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if agg.Pending() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	agg.Shutdown(context.Background())

	batches, events := sink.snapshot()
	if events != total {
		t.Fatalf("total committed events mismatch: got %d want %d", events, total)
	}

	baselineWrites := total
	reduction := 1.0 - float64(batches)/float64(baselineWrites)
	if reduction < 0.95 {
		t.Fatalf("uniform write reduction too low: got %.1f%% (batches=%d baseline=%d)", reduction*100, batches, baselineWrites)
	}
}

// itoa converts a small non-negative int to a decimal string without
// pulling in strconv, matching this package's existing leanness.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	const digits = "0123456789"
	var buf [20]byte
	b := len(buf)
	for n := i; n > 0; n /= 10 {
		b--
		buf[b] = digits[n%10]
	}
	return string(buf[b:])
}
