// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the job pipeline:
// claim latency, queue depth, stale-requeue counts, and handler phase
// durations. Adapted from the teacher's provisioner metrics package,
// generalized from Redfish operations to job-pipeline operations.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsClaimedTotal   *prometheus.CounterVec
	jobsCompletedTotal *prometheus.CounterVec
	jobsRequeuedTotal  *prometheus.CounterVec
	jobClaimDuration   prometheus.Histogram
	jobHandlerDuration *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	staleRequeuedTotal prometheus.Counter
	pscacheHits        prometheus.Counter
	pscacheMisses      prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveClaim records a claimNext attempt outcome and its duration.
func ObserveClaim(lane string, claimed bool, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimedTotal != nil && claimed {
		jobsClaimedTotal.WithLabelValues(sanitizeLabel(lane, "unknown")).Inc()
	}
	if jobClaimDuration != nil {
		jobClaimDuration.Observe(duration.Seconds())
	}
}

// ObserveJobTerminal records a job reaching a terminal state.
func ObserveJobTerminal(jobType, status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompletedTotal != nil {
		jobsCompletedTotal.WithLabelValues(sanitizeLabel(jobType, "unknown"), sanitizeLabel(status, "unknown")).Inc()
	}
}

// IncRequeued records a transient-failure requeue for a job type.
func IncRequeued(jobType string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRequeuedTotal != nil {
		jobsRequeuedTotal.WithLabelValues(sanitizeLabel(jobType, "unknown")).Inc()
	}
}

// IncStaleRequeued adds n to the stale-requeue counter.
func IncStaleRequeued(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if staleRequeuedTotal != nil {
		staleRequeuedTotal.Add(float64(n))
	}
}

// ObserveHandlerDuration records how long a task handler ran for a job type.
func ObserveHandlerDuration(jobType string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobHandlerDuration != nil {
		jobHandlerDuration.WithLabelValues(sanitizeLabel(jobType, "unknown")).Observe(duration.Seconds())
	}
}

// SetQueueDepth reports the current number of queued jobs in a lane.
func SetQueueDepth(lane string, depth int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(sanitizeLabel(lane, "unknown")).Set(float64(depth))
	}
}

// IncPreparedStatementHit records a prepared-statement cache hit.
func IncPreparedStatementHit() {
	mu.RLock()
	defer mu.RUnlock()
	if pscacheHits != nil {
		pscacheHits.Inc()
	}
}

// IncPreparedStatementMiss records a prepared-statement cache miss (compile).
func IncPreparedStatementMiss() {
	mu.RLock()
	defer mu.RUnlock()
	if pscacheMisses != nil {
		pscacheMisses.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "claimed_total",
		Help:      "Total jobs successfully claimed, by lane.",
	}, []string{"lane"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total jobs reaching a terminal state, by type and status.",
	}, []string{"type", "status"})

	requeued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "requeued_total",
		Help:      "Total transient-failure requeues, by job type.",
	}, []string{"type"})

	claimDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "claim_duration_seconds",
		Help:      "Duration of claimNext attempts.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	handlerDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "handler_duration_seconds",
		Help:      "Duration of task handler execution, by job type.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"type"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Current number of queued jobs, by lane.",
	}, []string{"lane"})

	staleRequeued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "jobs",
		Name:      "stale_requeued_total",
		Help:      "Total jobs reset from running to queued by stale recovery.",
	})

	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "pscache",
		Name:      "hits_total",
		Help:      "Prepared-statement cache hits.",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photovault",
		Subsystem: "pscache",
		Name:      "misses_total",
		Help:      "Prepared-statement cache misses (compiles).",
	})

	registry.MustRegister(claimed, completed, requeued, claimDur, handlerDur, depth, staleRequeued, hits, misses)

	reg = registry
	jobsClaimedTotal = claimed
	jobsCompletedTotal = completed
	jobsRequeuedTotal = requeued
	jobClaimDuration = claimDur
	jobHandlerDuration = handlerDur
	queueDepth = depth
	staleRequeuedTotal = staleRequeued
	pscacheHits = hits
	pscacheMisses = misses
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
