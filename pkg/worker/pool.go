// Package worker implements the per-queue dispatch runtime: a bounded pool
// of concurrently executing job handlers with rate limiting, timeout
// abandonment, retry/backoff decisions by error kind, and completion hooks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Pool hosts up to Concurrency simultaneously running handler invocations
// for one queue. Pools run independently of each other: a saturated queue
// never reduces the concurrency available to another.
type Pool struct {
	store *queue.Store
	queue *queue.Queue

	// rateRecheck is how long a worker holding a job sleeps when the rate
	// limiter denies a start. Denial never consumes a retry attempt.
	rateRecheck time.Duration
}

// NewPool builds a pool for a registered queue.
func NewPool(store *queue.Store, q *queue.Queue) *Pool {
	return &Pool{
		store:       store,
		queue:       q,
		rateRecheck: 50 * time.Millisecond,
	}
}

// Run starts the pool's workers and blocks until the context is cancelled
// and every worker has finished its in-flight job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.queue.Policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, raw, err := p.store.Dequeue(ctx, p.queue.Name)
		if err == queue.ErrEmpty {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error().Err(err).Str("queue", p.queue.Name).Msg("Dequeue error")
			continue
		}

		if !p.waitForRateSlot(ctx) {
			// Shutting down mid-wait: release the lease so the job is
			// redispatched instead of waiting out the lease TTL.
			p.store.Retry(context.Background(), unattempted(*job), raw, 0)
			return
		}

		p.dispatch(ctx, job, raw)
	}
}

// unattempted undoes the attempt increment Retry applies, for requeues that
// are not failures.
func unattempted(job jobs.Job) jobs.Job {
	job.Attempts--
	return job
}

// waitForRateSlot blocks until the queue's token bucket grants a start.
// Returns false only when the context is cancelled. A rate-limit check that
// itself errors fails open so a limiter outage cannot wedge the queue.
func (p *Pool) waitForRateSlot(ctx context.Context) bool {
	if p.queue.Policy.RatePerSec <= 0 {
		return true
	}
	for {
		allowed, err := p.store.Allow(ctx, p.queue.Name, p.queue.Policy.RatePerSec, p.queue.Policy.Burst)
		if err != nil {
			logger.Log.Error().Err(err).Str("queue", p.queue.Name).Msg("Rate limit check failed")
			return true
		}
		if allowed {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.rateRecheck):
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, job *jobs.Job, raw string) {
	start := time.Now()
	queueLatency.WithLabelValues(p.queue.Name).Observe(start.Sub(job.CreatedAt).Seconds())

	err := p.execute(ctx, job)

	jobDuration.WithLabelValues(p.queue.Name, job.Handler).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := p.store.Complete(ctx, p.queue.Name, raw, p.queue.Policy.KeepCompleted); cerr != nil {
			logger.Log.Error().Err(cerr).Str("job_id", job.ID).Msg("Complete failed")
		}
		p.store.SetResultIfAbsent(ctx, job.ID, map[string]string{
			"status":       "completed",
			"completed_at": time.Now().Format(time.RFC3339),
		})
		processedTotal.WithLabelValues("success", p.queue.Name, job.Handler).Inc()
		p.runHooks(ctx, p.queue.CompletedHooks(), job, nil)
		return
	}

	executed := job.Attempts + 1
	kind := jobs.KindOf(err)

	if jobs.Retryable(err) && executed < p.queue.Policy.MaxAttempts {
		delay := p.queue.Policy.Delay(executed)
		logger.Log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("queue", p.queue.Name).
			Str("handler", job.Handler).
			Str("kind", kind.String()).
			Int("attempt", executed).
			Dur("retry_in", delay).
			Msg("Job failed, scheduling retry")
		if rerr := p.store.Retry(ctx, *job, raw, delay); rerr != nil {
			logger.Log.Error().Err(rerr).Str("job_id", job.ID).Msg("Retry scheduling failed")
		}
		processedTotal.WithLabelValues("retry", p.queue.Name, job.Handler).Inc()
		return
	}

	// Terminal. The payload is logged so the permanently failed job stays
	// traceable to its originating entity for reconciliation.
	logger.Log.Error().Err(err).
		Str("job_id", job.ID).
		Str("queue", p.queue.Name).
		Str("handler", job.Handler).
		Str("kind", kind.String()).
		Int("attempts", executed).
		RawJSON("payload", job.Payload).
		Msg("Job permanently failed")
	if ferr := p.store.Fail(ctx, *job, raw, p.queue.Policy.KeepFailed); ferr != nil {
		logger.Log.Error().Err(ferr).Str("job_id", job.ID).Msg("Dead-letter failed")
	}
	processedTotal.WithLabelValues("failed", p.queue.Name, job.Handler).Inc()
	p.runHooks(ctx, p.queue.FailedHooks(), job, err)
}

// execute runs the handler, enforcing the queue timeout if one is
// declared. On timeout the handler is abandoned: the slot is freed and the
// job is treated as failed for retry purposes even if the handler's own
// I/O call eventually completes. Handlers with remote side effects must
// re-check current state before persisting.
func (p *Pool) execute(ctx context.Context, job *jobs.Job) error {
	fn, ok := p.queue.Handler(job.Handler)
	if !ok || fn == nil {
		return jobs.Configf("no handler %q registered on queue %s", job.Handler, p.queue.Name)
	}

	hctx := ctx
	var cancel context.CancelFunc
	if p.queue.Policy.Timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, p.queue.Policy.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- jobs.Transient(fmt.Errorf("handler panic: %v", r))
			}
		}()
		done <- fn(hctx, job)
	}()

	if p.queue.Policy.Timeout <= 0 {
		// No timeout declared: the queue relies entirely on attempt-based
		// retry, and a hung handler ties up this slot.
		return <-done
	}

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return jobs.Transient(hctx.Err())
	}
}

func (p *Pool) runHooks(ctx context.Context, hooks []queue.Hook, job *jobs.Job, jobErr error) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error().
						Str("job_id", job.ID).
						Str("queue", p.queue.Name).
						Interface("panic", r).
						Msg("Queue hook panicked")
				}
			}()
			h(ctx, job, jobErr)
		}()
	}
}
