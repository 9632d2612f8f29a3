// Package benchmarks holds microbenchmarks for the admission decision path,
// plus a naive lock-free counter (AtomicLimiter) kept as a baseline
// comparator: a process-local token count is not GCRA and shares no state
// across instances, but it is the cheapest possible in-process admission
// check and a useful floor when judging gcra.Decide's own overhead.
package benchmarks

import "sync/atomic"

// AtomicLimiter is a single-process, non-distributed token counter. It has
// no relation to the GCRA algorithm under benchmark elsewhere in this
// package; it exists purely as a lower-bound baseline.
type AtomicLimiter struct{ avail atomic.Int64 }

func NewAtomicLimiter(initial int64) *AtomicLimiter {
	var a AtomicLimiter
	a.avail.Store(initial)
	return &a
}

func (a *AtomicLimiter) TryConsume(n int64) bool {
	if n <= 0 {
		return false
	}
	for {
		old := a.avail.Load()
		if old < n {
			return false
		}
		if a.avail.CompareAndSwap(old, old-n) {
			return true
		}
	}
}

func (a *AtomicLimiter) Refund(n int64) {
	if n > 0 {
		a.avail.Add(n)
	}
}

func (a *AtomicLimiter) Available() int64 { return a.avail.Load() }
