// http-loadgen is a tiny, dependency-free HTTP load generator tailored for
// exercising a running ratewall-demo server. It reuses HTTP connections
// (keep-alive) and supports concurrency so demo scripts run fast on
// Windows (Git Bash), Ubuntu (WSL), and macOS without relying on external
// tools.
//
// Modes:
//   - single: send N requests as a single principal
//   - zipf:   approximate 80/20 skew (hot/cold) without PRNG: send the hot
//     principal 4/5 of the time
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -principal=203.0.113.5 -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=zipf -hot_principal=203.0.113.9 -cold_principals=50 -n=8000 -c=16
//
// Notes:
//   - Sends each request with an X-Real-IP header carrying the synthetic
//     principal, matching ratewall's default KeyIP() selector.
//   - Prints a one-line summary with duration, admit/reject counts, and
//     approximate throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		base         = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		path         = flag.String("path", "/check", "Request path (e.g., /check)")
		modeS        = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		principal    = flag.String("principal", "203.0.113.1", "Synthetic principal IP for single mode")
		hotPrincipal = flag.String("hot_principal", "203.0.113.9", "Hot principal IP for zipf mode")
		coldN        = flag.Int("cold_principals", 50, "Number of cold principals to round-robin in zipf mode")
		N            = flag.Int("n", 5000, "Total requests to send")
		conc         = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic skew: hotEvery=5 means 4/5 go to the hot principal, 1/5 to a cold one.
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (all but 1 of every this-many requests go to hot; minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_principals must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 { // at least 1 hot : 1 cold
			*hotEvery = 2
		}
	}

	// Build base + path
	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var done, admitted, rejected, failed int64

	worker := func(id, count int) {
		defer atomic.AddInt64(&done, int64(count))
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var who string
			if m == modeSingle {
				who = *principal
			} else {
				// 80/20-ish deterministic skew: (i+id)%hotEvery != 0 => hot principal
				if ((i + id) % *hotEvery) != 0 {
					who = *hotPrincipal
				} else {
					idx := ((i + id) % *coldN) + 1
					who = fmt.Sprintf("198.51.100.%d", idx%254+1)
				}
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
			req.Header.Set("X-Real-IP", who)
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&admitted, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt64(&rejected, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s admitted=%d rejected=%d failed=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, admitted, rejected, failed)
}
