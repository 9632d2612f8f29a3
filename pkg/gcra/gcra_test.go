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

package gcra

import "testing"

// fakeStore is a minimal in-memory stand-in for the store, used to drive
// Decide/Compose through the literal scenarios of spec.md §8 without any
// network dependency. It mirrors exactly the check-then-write contract the
// Lua script implements: reads happen before any write, and a write only
// ever follows an all-rates-admit decision.
type fakeStore struct {
	tat    map[string]int64
	exists map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tat: map[string]int64{}, exists: map[string]bool{}}
}

func (s *fakeStore) checkPolicy(keys []string, params []RateParams, now int64) PolicyResult {
	verdicts := make([]Verdict, len(keys))
	for i, k := range keys {
		verdicts[i] = Decide(params[i], s.tat[k], s.exists[k], now)
	}
	result := Compose(verdicts)
	if result.Allowed {
		for i, k := range keys {
			s.tat[k] = verdicts[i].NewTAT
			s.exists[k] = true
		}
	}
	return result
}

// Scenario 1: burst then block (spec.md §8.1).
func TestScenario_BurstThenBlock(t *testing.T) {
	store := newFakeStore()
	r, err := rateParamsFor(10, 1000, 5)
	if err != nil {
		t.Fatal(err)
	}
	key := "k"
	now := int64(1_000_000)

	for i := 0; i < 6; i++ {
		res := store.checkPolicy([]string{key}, []RateParams{r}, now+int64(i))
		if !res.Allowed {
			t.Fatalf("request %d: expected admit, got reject", i+1)
		}
	}

	res := store.checkPolicy([]string{key}, []RateParams{r}, now+6)
	if res.Allowed {
		t.Fatalf("request 7: expected reject, got admit")
	}
	if res.RetryMs != 94 {
		t.Fatalf("retry_after_ms = %d, want 94", res.RetryMs)
	}

	res = store.checkPolicy([]string{key}, []RateParams{r}, now+6+100)
	if !res.Allowed {
		t.Fatalf("after 100ms sleep: expected exactly one more admit")
	}
}

// Scenario 2: idle recovery (spec.md §8.2).
func TestScenario_IdleRecovery(t *testing.T) {
	store := newFakeStore()
	r, err := rateParamsFor(5, 1000, 2)
	if err != nil {
		t.Fatal(err)
	}
	key := "k"
	now := int64(1_000_000)

	for i := 0; i < 3; i++ {
		res := store.checkPolicy([]string{key}, []RateParams{r}, now+int64(i))
		if !res.Allowed {
			t.Fatalf("request %d: expected admit", i+1)
		}
	}
	if res := store.checkPolicy([]string{key}, []RateParams{r}, now+3); res.Allowed {
		t.Fatalf("request 4: expected reject")
	}

	now += 1500
	for i := 0; i < 3; i++ {
		res := store.checkPolicy([]string{key}, []RateParams{r}, now+int64(i))
		if !res.Allowed {
			t.Fatalf("post-idle request %d: expected admit", i+1)
		}
	}
}

// Scenario 3: two principals isolated (spec.md §8.3).
func TestScenario_PrincipalsIsolated(t *testing.T) {
	store := newFakeStore()
	r, err := rateParamsFor(2, 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	now := int64(1_000_000)

	for i := 0; i < 2; i++ {
		res := store.checkPolicy([]string{"A"}, []RateParams{r}, now+int64(i))
		if !res.Allowed {
			t.Fatalf("A request %d: expected admit", i+1)
		}
	}
	if res := store.checkPolicy([]string{"A"}, []RateParams{r}, now+2); res.Allowed {
		t.Fatalf("A request 3: expected reject")
	}

	for i := 0; i < 2; i++ {
		res := store.checkPolicy([]string{"B"}, []RateParams{r}, now+int64(i))
		if !res.Allowed {
			t.Fatalf("B request %d: expected admit", i+1)
		}
	}
}

// Scenario 4: multi-rate, tightest wins (spec.md §8.4).
func TestScenario_MultiRateTightestWins(t *testing.T) {
	store := newFakeStore()
	r1, _ := rateParamsFor(100, 60_000, 10)
	r2, _ := rateParamsFor(10, 10_000, 2)
	r3, _ := rateParamsFor(1000, 3_600_000, 50)
	params := []RateParams{r1, r2, r3}
	keys := []string{"k:r0", "k:r1", "k:r2"}
	now := int64(1_000_000)

	admits := 0
	for i := 0; i < 15; i++ {
		res := store.checkPolicy(keys, params, now+int64(i))
		if res.Allowed {
			admits++
		} else if res.MatchedIndex != 1 {
			t.Fatalf("request %d: matched_index = %d, want 1 (tightest rate)", i+1, res.MatchedIndex)
		}
	}
	if admits != 3 {
		t.Fatalf("admits = %d, want 3 (1 + burst=2 of tightest rate)", admits)
	}
}

// Scenario 5: TTL expiry treated as first request (spec.md §8.5). This
// package has no TTL/eviction concept of its own (that's the store's PEXPIRE);
// we model expiry by simply dropping the key from the fake store.
func TestScenario_TTLExpiryIsFirstRequest(t *testing.T) {
	store := newFakeStore()
	r, _ := rateParamsFor(2, 1000, 0)
	key := "k"
	now := int64(1_000_000)

	if res := store.checkPolicy([]string{key}, []RateParams{r}, now); !res.Allowed {
		t.Fatalf("first request: expected admit")
	}

	delete(store.tat, key)
	delete(store.exists, key)

	if res := store.checkPolicy([]string{key}, []RateParams{r}, now+2500); !res.Allowed {
		t.Fatalf("post-expiry request: expected admit as a first request")
	}
}

func rateParamsFor(permits, periodMs, burst int64) (RateParams, error) {
	t := periodMs / permits
	return RateParams{T: t, B: burst * t}, nil
}
