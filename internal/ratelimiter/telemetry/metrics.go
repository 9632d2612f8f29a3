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

// Package telemetry implements C8, the limiter's Prometheus instrumentation.
// Unlike a package-level metrics singleton registered in an init function,
// Metrics is registered lazily into its own prometheus.Registry at
// construction time: a test (or a process embedding more than one Limiter)
// can build as many Metrics instances as it likes without tripping a
// duplicate-registration panic against the global default registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every metric the limiter emits, plus the registry they are
// bound to.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	storeErrorsTotal *prometheus.CounterVec
	scriptReloadsTotal prometheus.Counter
	storeLatencySeconds prometheus.Histogram
	auditQueueDepth     prometheus.Gauge
}

// Outcome labels for ratewall_requests_total.
const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

type Outcome string

// New constructs and registers the limiter's metric family into a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratewall_requests_total",
			Help: "Total Check calls by outcome (admitted, rejected, error).",
		}, []string{"outcome"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratewall_store_errors_total",
			Help: "Total store-layer errors by kind (store_unavailable, store_script, store_protocol).",
		}, []string{"kind"}),
		scriptReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratewall_script_reloads_total",
			Help: "Total times the GCRA script was reloaded after a NOSCRIPT response.",
		}),
		storeLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratewall_store_latency_seconds",
			Help:    "Latency of the store round trip for a single Check call.",
			Buckets: prometheus.DefBuckets,
		}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratewall_audit_queue_depth",
			Help: "Number of audit events currently buffered awaiting a sink flush.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.storeErrorsTotal,
		m.scriptReloadsTotal,
		m.storeLatencySeconds,
		m.auditQueueDepth,
	)
	return m
}

// ObserveRequest records the outcome of one Check call.
func (m *Metrics) ObserveRequest(outcome Outcome) {
	m.requestsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveStoreError records a store-layer failure by kind, using the same
// string vocabulary as the root package's ErrorKind.
func (m *Metrics) ObserveStoreError(kind string) {
	m.storeErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveScriptReload records one NOSCRIPT-triggered reload.
func (m *Metrics) ObserveScriptReload() {
	m.scriptReloadsTotal.Inc()
}

// ObserveStoreLatency records the wall-clock duration of a single store
// round trip.
func (m *Metrics) ObserveStoreLatency(d time.Duration) {
	m.storeLatencySeconds.Observe(d.Seconds())
}

// SetAuditQueueDepth reports the audit aggregator's current buffer size.
func (m *Metrics) SetAuditQueueDepth(n int) {
	m.auditQueueDepth.Set(float64(n))
}

// Handler returns an http.Handler serving this Metrics' registry in the
// Prometheus exposition format, for mounting on a caller's own mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeAddr starts a dedicated HTTP server exposing /metrics on addr, only
// if addr is non-empty — mirroring the teacher's opt-in standalone
// metrics endpoint. The server runs until the process exits; there is no
// companion Shutdown.
func (m *Metrics) ServeAddr(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
