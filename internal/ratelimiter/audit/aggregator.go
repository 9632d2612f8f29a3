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

package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Aggregator batches Events in memory and periodically commits them to a
// Sink, trading audit latency for a large reduction in write volume. Only
// decision logging is batched this way; rate-state writes still take one
// store round trip per Check.
//
// A flush is forced as soon as the buffer reaches HighWatermark, so a
// burst of traffic cannot grow the buffer unboundedly between ticks. The
// periodic ticker additionally respects LowWatermark: a tick with fewer
// than LowWatermark buffered events is skipped, so a trickle of requests
// doesn't force a sink round trip for every handful of events.
type Aggregator struct {
	sink          Sink
	flushInterval time.Duration
	highWatermark int
	lowWatermark  int

	mu       sync.Mutex
	buf      []Event
	flushing bool
	seq      uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAggregator constructs an Aggregator. Callers must call Start to begin
// the background flush loop and Shutdown to drain it on exit.
func NewAggregator(sink Sink, flushInterval time.Duration, highWatermark, lowWatermark int) *Aggregator {
	return &Aggregator{
		sink:          sink,
		flushInterval: flushInterval,
		highWatermark: highWatermark,
		lowWatermark:  lowWatermark,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (a *Aggregator) Start() { go a.run() }

func (a *Aggregator) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.tick(context.Background())
		case <-a.stopCh:
			a.flush(context.Background())
			return
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	a.mu.Lock()
	below := len(a.buf) < a.lowWatermark
	a.mu.Unlock()
	if below {
		return
	}
	a.flush(ctx)
}

// Record buffers e, stamping it with a monotonic idempotency id. It never
// blocks on the sink and never returns an error: a slow or unreachable
// audit backend must not affect admission latency or outcome.
func (a *Aggregator) Record(e Event) {
	a.mu.Lock()
	a.seq++
	e.EventID = fmt.Sprintf("%d-%d", e.TsUnixMs, a.seq)
	a.buf = append(a.buf, e)
	shouldFlush := len(a.buf) >= a.highWatermark && !a.flushing
	if shouldFlush {
		a.flushing = true
	}
	a.mu.Unlock()

	if shouldFlush {
		go a.flush(context.Background())
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.flushing = false
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if err := a.sink.CommitBatch(ctx, batch); err != nil {
		log.Printf("ratewall: audit sink commit failed, dropping %d event(s): %v", len(batch), err)
	}

	a.mu.Lock()
	a.flushing = false
	a.mu.Unlock()
}

// Shutdown performs a final flush and stops the background loop. Calling
// it more than once is safe.
func (a *Aggregator) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

// Pending reports the number of events currently buffered, for tests and
// diagnostics.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
