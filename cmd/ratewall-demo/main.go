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

// Package main is a runnable demonstration of the ratewall library: a tiny
// HTTP server whose /check route is gated by a *ratewall.Limiter, wired to
// a real (or demo) Redis-compatible store, an optional decision audit
// sink, and an optional Prometheus /metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brindlecore/ratewall"
	"github.com/brindlecore/ratewall/internal/ratelimiter/audit"
	"github.com/brindlecore/ratewall/middleware"
)

func main() {
	storeURL := flag.String("store_url", "redis://127.0.0.1:6379/0", "Redis-compatible store address")
	permits := flag.Int64("rate_permits", 100, "Requests allowed per rate_period")
	ratePeriod := flag.String("rate_period", "1m", "Rate period, e.g. 10s, 1m, 1h")
	burst := flag.Int64("rate_burst", 0, "Additional burst tolerance, in units of permits")
	failMode := flag.String("fail_mode", "open", "Admission behavior on store loss: open or closed")
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address")
	auditAdapter := flag.String("audit_adapter", "", "Decision audit sink: \"\" (disabled), mock, redis, kafka, postgres")
	auditRedisAddr := flag.String("audit_redis_addr", "", "Store address for the redis audit sink, if audit_adapter=redis")
	exposePolicyHeader := flag.Bool("expose_policy_header", false, "Set X-RateLimit-Policy on every response")
	flag.Parse()

	rate, err := ratewall.NewRate(*permits, *ratePeriod, *burst)
	if err != nil {
		log.Fatalf("invalid rate configuration: %v", err)
	}
	policy, err := ratewall.NewPolicy("default", ratewall.KeyIP(), rate)
	if err != nil {
		log.Fatalf("invalid policy configuration: %v", err)
	}

	opts := ratewall.Options{
		StoreURL:           *storeURL,
		DefaultPolicy:      policy,
		FailMode:           ratewall.FailMode(*failMode),
		ExposePolicyHeader: *exposePolicyHeader,
		OnError: func(err error) {
			log.Printf("ratewall: store error: %v", err)
		},
	}

	if *auditAdapter != "" {
		sink, err := audit.BuildSink(*auditAdapter, audit.DemoOptions{RedisAddr: *auditRedisAddr})
		if err != nil {
			log.Fatalf("invalid audit configuration: %v", err)
		}
		opts.Audit = &ratewall.AuditConfig{Sink: sink}
	}

	limiter, err := ratewall.New(opts)
	if err != nil {
		log.Fatalf("could not construct limiter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := limiter.Start(ctx); err != nil && opts.FailMode == ratewall.FailClosed {
		cancel()
		log.Fatalf("could not start limiter: %v", err)
	}
	cancel()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", limiter.MetricsHandler())
			server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/check", middleware.Route(middleware.Config{
		Limiter:            limiter,
		Policy:             policy,
		ExposePolicyHeader: *exposePolicyHeader,
	}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Healthy(r.Context()) {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("ratewall demo listening on %s (store=%s fail_mode=%s)", *httpAddr, *storeURL, *failMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := limiter.Shutdown(shutdownCtx); err != nil {
		log.Printf("limiter shutdown error: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}

	log.Println("server gracefully stopped.")
}
