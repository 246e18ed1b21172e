package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"taxgpt-api/internal/metrics"
)

const (
	minQueueWait = 5 * time.Second
	maxQueueWait = 60 * time.Second
	latencySlots = 100
)

// ConcurrencyLimiter bounds how many model-backed turns run at once. A turn
// queues for a slot, then runs under a deadline of runTimeout.
type ConcurrencyLimiter struct {
	sem        *semaphore.Weighted
	runTimeout time.Duration
	adaptive   bool
	latency    *latencyWindow

	active   atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

// NewConcurrencyLimiter admits slots turns at a time. With adaptive set, the queue wait
// follows 1.5x the recent p95 turn duration, clamped to 5s..60s.
func NewConcurrencyLimiter(slots int, runTimeout time.Duration, adaptive bool) *ConcurrencyLimiter {
	if slots <= 0 {
		slots = 32
	}
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &ConcurrencyLimiter{
		sem:        semaphore.NewWeighted(int64(slots)),
		runTimeout: runTimeout,
		adaptive:   adaptive,
		latency:    &latencyWindow{samples: make([]time.Duration, latencySlots)},
	}
}

func (cl *ConcurrencyLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := cl.queueWait()
		waitCtx, cancelWait := context.WithTimeout(r.Context(), wait)
		queued := time.Now()
		err := cl.sem.Acquire(waitCtx, 1)
		cancelWait()
		if err != nil {
			n := cl.rejected.Add(1)
			if r.Context().Err() != nil {
				// client left while queued
				return
			}
			slog.Warn("Chat turn rejected, no free slot", "path", r.URL.Path, "waited", time.Since(queued), "max_wait", wait, "rejected_total", n)
			metrics.ErrorsTotal.WithLabelValues("concurrency_rejected").Inc()
			writeError(w, http.StatusServiceUnavailable, "Server busy, please retry shortly.")
			return
		}
		cl.admitted.Add(1)
		metrics.ActiveTurns.Set(float64(cl.active.Add(1)))

		started := time.Now()
		defer func() {
			cl.sem.Release(1)
			metrics.ActiveTurns.Set(float64(cl.active.Add(-1)))
			if cl.adaptive {
				cl.latency.add(time.Since(started))
			}
		}()

		runCtx, cancelRun := context.WithTimeout(r.Context(), cl.runTimeout)
		defer cancelRun()
		slog.Debug("Chat turn admitted", "path", r.URL.Path, "queued", time.Since(queued), "active", cl.active.Load())
		next.ServeHTTP(w, r.WithContext(runCtx))
	}
}

func (cl *ConcurrencyLimiter) queueWait() time.Duration {
	wait := maxQueueWait
	if cl.adaptive {
		if p95 := cl.latency.p95(); p95 > 0 {
			wait = min(max(p95*3/2, minQueueWait), maxQueueWait)
		}
	}
	return min(wait, cl.runTimeout)
}

// Stats returns the running, admitted and rejected turn counts.
func (cl *ConcurrencyLimiter) Stats() (active, admitted, rejected int64) {
	return cl.active.Load(), cl.admitted.Load(), cl.rejected.Load()
}

// latencyWindow is a ring of the most recent turn durations.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  int
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.samples[lw.next] = d
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

// p95 is zero until ten turns have been recorded.
func (lw *latencyWindow) p95() time.Duration {
	lw.mu.Lock()
	sorted := slices.Clone(lw.samples[:lw.filled])
	lw.mu.Unlock()
	if len(sorted) < 10 {
		return 0
	}
	slices.Sort(sorted)
	return sorted[min(len(sorted)*95/100, len(sorted)-1)]
}
