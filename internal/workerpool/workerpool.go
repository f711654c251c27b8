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

// Package workerpool runs the claim/execute/terminal worker loop described
// in §4.5: priority and normal lanes with an anti-starvation fallback, a
// heartbeat ticker per running job, and a maintenance routine that requeues
// jobs abandoned by a crashed worker.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"photovault/internal/config"
	"photovault/internal/eventbus"
	"photovault/internal/handlers"
	"photovault/internal/jobs"
	"photovault/internal/metrics"
	"photovault/internal/orchestrator"
	"photovault/pkg/photomodel"
)

// Pool runs a configured set of claim/execute workers plus a stale-recovery
// maintenance goroutine.
type Pool struct {
	cfg      config.WorkerPoolConfig
	tenantID string

	jobsRepo *jobs.Repo
	registry *handlers.Registry
	caps     handlers.Capabilities
	orch     *orchestrator.Orchestrator
	bus      *eventbus.Bus
	logger   *slog.Logger

	wake wakeSignal
	wg   sync.WaitGroup
}

// New returns a Pool ready to Run. cfg fields left at their zero value fall
// back to the defaults config.Load already seeds, so callers that build cfg
// by hand still get sane behavior. PriorityWorkers is the exception: zero
// is kept and runs no priority-lane workers.
func New(cfg config.WorkerPoolConfig, tenantID string, jobsRepo *jobs.Repo, registry *handlers.Registry, caps handlers.Capabilities, orch *orchestrator.Orchestrator, bus *eventbus.Bus, logger *slog.Logger) *Pool {
	if cfg.TotalWorkers <= 0 {
		cfg.TotalWorkers = 4
	}
	if cfg.PriorityThreshold <= 0 {
		cfg.PriorityThreshold = photomodel.PriorityThreshold
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 60 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.ClaimPollInterval <= 0 {
		cfg.ClaimPollInterval = 250 * time.Millisecond
	}
	if cfg.AntiStarvationK <= 0 {
		cfg.AntiStarvationK = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		tenantID: tenantID,
		jobsRepo: jobsRepo,
		registry: registry,
		caps:     caps,
		orch:     orch,
		bus:      bus,
		logger:   logger,
		wake:     newWakeSignal(),
	}
}

// Run launches the configured workers and the stale-recovery routine. It
// returns immediately; call Wait to block until ctx is canceled and every
// goroutine has exited.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runStaleRecovery(ctx)
	}()

	priorityWorkers := p.cfg.PriorityWorkers
	if priorityWorkers > p.cfg.TotalWorkers {
		priorityWorkers = p.cfg.TotalWorkers
	}
	normalWorkers := p.cfg.TotalWorkers - priorityWorkers

	for i := 0; i < priorityWorkers; i++ {
		workerID := fmt.Sprintf("priority-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID, true)
		}()
	}
	for i := 0; i < normalWorkers; i++ {
		workerID := fmt.Sprintf("normal-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID, false)
		}()
	}
}

// Wait blocks until every launched goroutine has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Wake nudges every idle worker to poll immediately instead of waiting out
// claim_poll_interval, per §4.5 step 2's "if the bus signals job enqueued,
// wake early". Callers that enqueue a job (the API) may call this; it is
// purely an optimization, never required for correctness.
func (p *Pool) Wake() {
	p.wake.broadcast()
}

func (p *Pool) runWorker(ctx context.Context, workerID string, isPriority bool) {
	ticker := time.NewTicker(p.cfg.ClaimPollInterval)
	defer ticker.Stop()

	threshold := p.cfg.PriorityThreshold
	consecutiveEmpty := 0

	for {
		if ctx.Err() != nil {
			return
		}

		job, lane, err := p.claim(ctx, workerID, isPriority, threshold, &consecutiveEmpty)
		if err != nil {
			p.logger.Error("workerpool: claim", "worker_id", workerID, "error", err)
		} else if job != nil {
			p.logger.Debug("workerpool: claimed job", "worker_id", workerID, "job_id", job.ID, "lane", lane)
			p.processJob(ctx, job, workerID)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake.wait():
		}
	}
}

// claim runs one claimNext attempt per the worker's lane policy, applying
// the anti-starvation fallback for normal workers after K consecutive empty
// polls. The high lane never falls back to normal work, by design.
func (p *Pool) claim(ctx context.Context, workerID string, isPriority bool, threshold int, consecutiveEmpty *int) (*photomodel.Job, string, error) {
	if isPriority {
		filter := jobs.ClaimFilter{WorkerID: workerID, TenantID: p.tenantID, MinPriority: &threshold}
		start := time.Now()
		job, err := p.jobsRepo.ClaimNext(ctx, filter)
		metrics.ObserveClaim("high", job != nil, time.Since(start))
		return job, "high", err
	}

	maxNormal := threshold - 1
	filter := jobs.ClaimFilter{WorkerID: workerID, TenantID: p.tenantID, MaxPriority: &maxNormal}
	start := time.Now()
	job, err := p.jobsRepo.ClaimNext(ctx, filter)
	metrics.ObserveClaim("normal", job != nil, time.Since(start))
	if err != nil {
		return nil, "normal", err
	}
	if job != nil {
		*consecutiveEmpty = 0
		return job, "normal", nil
	}

	*consecutiveEmpty++
	if *consecutiveEmpty < p.cfg.AntiStarvationK {
		return nil, "normal", nil
	}
	*consecutiveEmpty = 0

	fallback := jobs.ClaimFilter{WorkerID: workerID, TenantID: p.tenantID, MinPriority: &threshold}
	start = time.Now()
	job, err = p.jobsRepo.ClaimNext(ctx, fallback)
	metrics.ObserveClaim("high-fallback", job != nil, time.Since(start))
	return job, "high-fallback", err
}

// processJob runs job to a terminal outcome: heartbeats while the handler
// runs, then applies §4.5 step 4's transition rules.
func (p *Pool) processJob(ctx context.Context, job *photomodel.Job, workerID string) {
	hbCtx, cancelHB := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(hbCtx, job.ID)
	}()
	defer func() {
		cancelHB()
		<-hbDone
	}()

	handler, ok := p.registry.Lookup(job.Type)
	if !ok {
		p.logger.Error("workerpool: no handler registered for job type", "job_id", job.ID, "type", job.Type)
		_ = p.jobsRepo.Fail(ctx, job.ID, "no handler registered for job type")
		return
	}

	start := time.Now()
	outcome := handler(ctx, job, p.caps)
	metrics.ObserveHandlerDuration(job.Type.String(), time.Since(start))

	switch outcome.Kind {
	case handlers.OutcomeSuccess:
		p.finishSuccess(ctx, job, workerID)
	case handlers.OutcomeTransient:
		p.finishTransient(ctx, job, outcome, workerID)
	case handlers.OutcomeFatal:
		p.finishFatal(ctx, job, outcome, workerID)
	case handlers.OutcomeCanceled:
		p.finishCanceled(ctx, job, workerID)
	}
}

func (p *Pool) finishSuccess(ctx context.Context, job *photomodel.Job, workerID string) {
	if err := p.jobsRepo.Complete(ctx, job.ID); err != nil {
		p.logger.Error("workerpool: complete", "job_id", job.ID, "worker_id", workerID, "error", err)
		return
	}
	metrics.ObserveJobTerminal(job.Type.String(), "completed")
	p.bus.PublishJob(eventbus.JobEvent{Kind: "job", JobID: job.ID, Type: job.Type.String(), Status: "completed"})

	finished, err := p.jobsRepo.GetByID(ctx, job.ID)
	if err != nil {
		p.logger.Error("workerpool: reload completed job for orchestrator", "job_id", job.ID, "error", err)
		return
	}
	p.orch.OnTerminal(ctx, finished)
}

func (p *Pool) finishTransient(ctx context.Context, job *photomodel.Job, outcome handlers.Outcome, workerID string) {
	p.logger.Warn("workerpool: transient handler error", "job_id", job.ID, "worker_id", workerID, "error", outcome.Err)

	if err := p.jobsRepo.IncrementAttempts(ctx, job.ID); err != nil {
		p.logger.Error("workerpool: increment attempts", "job_id", job.ID, "error", err)
		return
	}
	refreshed, err := p.jobsRepo.GetByID(ctx, job.ID)
	if err != nil {
		p.logger.Error("workerpool: reload job after increment", "job_id", job.ID, "error", err)
		return
	}

	maxAttempts := p.cfg.DefaultMaxAttempts
	if refreshed.MaxAttempts != nil {
		maxAttempts = *refreshed.MaxAttempts
	}

	if refreshed.Attempts < maxAttempts {
		if err := p.jobsRepo.Requeue(ctx, job.ID); err != nil {
			p.logger.Error("workerpool: requeue after transient error", "job_id", job.ID, "error", err)
			return
		}
		metrics.IncRequeued(job.Type.String())
		return
	}

	msg := "max attempts exceeded"
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	p.failJob(ctx, job, msg)
}

func (p *Pool) finishFatal(ctx context.Context, job *photomodel.Job, outcome handlers.Outcome, workerID string) {
	msg := "fatal handler error"
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	p.logger.Error("workerpool: fatal handler error", "job_id", job.ID, "worker_id", workerID, "error", outcome.Err)
	p.failJob(ctx, job, msg)
}

func (p *Pool) failJob(ctx context.Context, job *photomodel.Job, msg string) {
	if err := p.jobsRepo.Fail(ctx, job.ID, msg); err != nil {
		p.logger.Error("workerpool: fail", "job_id", job.ID, "error", err)
		return
	}
	metrics.ObserveJobTerminal(job.Type.String(), "failed")
	p.bus.PublishJob(eventbus.JobEvent{Kind: "job", JobID: job.ID, Type: job.Type.String(), Status: "failed"})
}

func (p *Pool) finishCanceled(ctx context.Context, job *photomodel.Job, workerID string) {
	p.logger.Info("workerpool: handler observed cancellation", "job_id", job.ID, "worker_id", workerID)
	if err := p.jobsRepo.MarkRunningItemsInterrupted(ctx, job.ID); err != nil {
		p.logger.Error("workerpool: mark interrupted items", "job_id", job.ID, "error", err)
	}
	metrics.ObserveJobTerminal(job.Type.String(), "canceled")
	p.bus.PublishJob(eventbus.JobEvent{Kind: "job", JobID: job.ID, Type: job.Type.String(), Status: "canceled"})
}

func (p *Pool) heartbeatLoop(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobsRepo.Heartbeat(ctx, jobID); err != nil {
				p.logger.Error("workerpool: heartbeat", "job_id", jobID, "error", err)
			}
		}
	}
}

// runStaleRecovery requeues jobs whose worker stopped heartbeating, every
// stale_timeout/2, per §4.5. Requeued jobs keep their attempts counter.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	interval := p.cfg.StaleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.jobsRepo.RequeueStaleRunning(ctx, int(p.cfg.StaleTimeout.Seconds()))
			if err != nil {
				p.logger.Error("workerpool: requeue stale running", "error", err)
				continue
			}
			if len(ids) == 0 {
				continue
			}
			metrics.IncStaleRequeued(len(ids))
			for _, id := range ids {
				if err := p.jobsRepo.MarkRunningItemsInterrupted(ctx, id); err != nil {
					p.logger.Error("workerpool: mark interrupted items after stale requeue", "job_id", id, "error", err)
				}
			}
			p.logger.Warn("workerpool: requeued stale running jobs", "count", len(ids))
			p.wake.broadcast()
		}
	}
}

// wakeSignal is a broadcast-once-then-replace channel, the standard
// condition-variable-over-channel idiom: waiters read the current channel
// and block until it closes, and broadcast swaps in a fresh one so later
// waiters don't immediately fire on an already-closed channel.
type wakeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeSignal() wakeSignal {
	return wakeSignal{ch: make(chan struct{})}
}

func (w *wakeSignal) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *wakeSignal) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
