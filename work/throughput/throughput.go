// Package throughput keeps a recency-biased bandwidth estimate fed by small range probes.
package throughput

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"kptv-zap/work/client"
	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/scheduler"

	"go.uber.org/ratelimit"
)

// Options configures an Estimator.
type Options struct {
	Alpha           float64 // weight of the newest sample
	Default         float64 // bytes/s reported before any sample
	ProbeBytes      int64   // range size
	ProbesPerSecond int     // 0 disables limiting
	Timeout         time.Duration
}

// Estimator folds probe samples into a single EWMA. No sample history is kept.
type Estimator struct {
	opts    Options
	doer    client.Doer
	clock   scheduler.Clock
	limiter ratelimit.Limiter
	log     *logger.Logger

	mu       sync.RWMutex
	estimate float64
	measured bool

	probing atomic.Bool
}

// New creates an estimator. doer issues the probes; clock measures their duration.
func New(opts Options, doer client.Doer, clock scheduler.Clock, log *logger.Logger) *Estimator {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.2
	}
	if opts.ProbeBytes <= 0 {
		opts.ProbeBytes = 64 * 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limiter := ratelimit.NewUnlimited()
	if opts.ProbesPerSecond > 0 {
		limiter = ratelimit.New(opts.ProbesPerSecond)
	}
	if log == nil {
		log = logger.WithComponent("throughput", "info")
	}
	return &Estimator{
		opts:    opts,
		doer:    doer,
		clock:   clock,
		limiter: limiter,
		log:     log,
	}
}

// Update folds one bytes/s sample into the estimate. The first sample initializes it.
func (e *Estimator) Update(sample float64) {
	if sample <= 0 {
		return
	}
	e.mu.Lock()
	if !e.measured {
		e.estimate = sample
		e.measured = true
	} else {
		e.estimate = e.opts.Alpha*sample + (1-e.opts.Alpha)*e.estimate
	}
	current := e.estimate
	e.mu.Unlock()

	metrics.ThroughputEstimate.Set(current)
}

// Estimate returns the current estimate, or the configured default before any sample.
func (e *Estimator) Estimate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.measured {
		return e.opts.Default
	}
	return e.estimate
}

// Measured returns the estimate and whether any sample has been folded in.
func (e *Estimator) Measured() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate, e.measured
}

// Probing reports whether a probe is in flight.
func (e *Estimator) Probing() bool {
	return e.probing.Load()
}

// Probe fetches the first ProbeBytes of url and returns the observed bytes/s. It returns
// false on any failure, when the server answers without partial content, or when another
// probe is already in flight. It never panics on network errors and does not update the
// estimate; see Sample for that.
func (e *Estimator) Probe(ctx context.Context, url string) (float64, bool) {
	if url == "" {
		return 0, false
	}
	if !e.probing.CompareAndSwap(false, true) {
		metrics.Probes.WithLabelValues("busy").Inc()
		return 0, false
	}
	defer e.probing.Store(false)

	e.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := e.clock.Now()
	resp, err := client.GetRange(ctx, e.doer, url, e.opts.ProbeBytes)
	if err != nil {
		e.log.Debug("{throughput/throughput - Probe} probe failed: %v", err)
		metrics.Probes.WithLabelValues("failed").Inc()
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, e.opts.ProbeBytes))
		e.log.Debug("{throughput/throughput - Probe} server ignored range request (status %d)", resp.StatusCode)
		metrics.Probes.WithLabelValues("not_partial").Inc()
		return 0, false
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, e.opts.ProbeBytes))
	if err != nil || n == 0 {
		metrics.Probes.WithLabelValues("failed").Inc()
		return 0, false
	}

	elapsed := e.clock.Now().Sub(start)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}

	metrics.Probes.WithLabelValues("ok").Inc()
	return float64(n) / elapsed.Seconds(), true
}

// Sample probes url and folds a successful result into the estimate.
func (e *Estimator) Sample(ctx context.Context, url string) bool {
	bps, ok := e.Probe(ctx, url)
	if ok {
		e.Update(bps)
		e.log.Debug("{throughput/throughput - Sample} sample %.0f B/s, estimate %.0f B/s", bps, e.Estimate())
	}
	return ok
}
