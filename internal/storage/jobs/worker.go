package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/timeout"
)

// Executor runs a claimed job and returns the key of the stored result
// and the number of samples it contains.
type Executor interface {
	Execute(ctx context.Context, job *Job) (resultKey string, samples int64, err error)
}

// FailureSink receives jobs that exhausted their retry budget.
type FailureSink interface {
	HandleFailure(ctx context.Context, msg FailureMessage) error
}

// pollInterval bounds how long a queued job can sit unnoticed if its
// wake-up message was dropped.
const pollInterval = 5 * time.Second

// Pool runs queued jobs on a fixed set of workers.
type Pool struct {
	store    *Store
	bus      Bus
	executor Executor
	sink     FailureSink
	jobsCfg  config.JobsConfig
	retryCfg config.RetryConfig
	stats    *Collector
	now      func() time.Time

	// claimMu serializes the scan-then-claim step so two workers never
	// race for the same row.
	claimMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a worker pool. The pool does not run until Start.
func NewPool(store *Store, bus Bus, executor Executor, sink FailureSink,
	jobsCfg config.JobsConfig, retryCfg config.RetryConfig, stats *Collector) *Pool {
	return &Pool{
		store:    store,
		bus:      bus,
		executor: executor,
		sink:     sink,
		jobsCfg:  jobsCfg,
		retryCfg: retryCfg,
		stats:    stats,
		now:      time.Now,
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.jobsCfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(gctx, worker)
			return nil
		})
	}

	go func() {
		defer close(p.done)
		_ = g.Wait()
	}()

	log.Info("worker pool started", "workers", p.jobsCfg.Workers)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	log.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.bus.Messages():
		case <-ticker.C:
		}

		// Drain the queue: a single wake-up may correspond to several
		// queued rows.
		for {
			job, err := p.claim(ctx)
			if err != nil {
				log.Error("claim failed", "worker", id, "error", err)
				break
			}
			if job == nil {
				break
			}
			p.process(ctx, job)
		}
	}
}

// claim atomically moves the head of the queue to processing. Returns
// nil when the queue is empty.
func (p *Pool) claim(ctx context.Context) (*Job, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	next, err := p.store.NextQueued(ctx)
	if err != nil || next == nil {
		return nil, err
	}

	// Delivery is at-least-once: a duplicate wake-up for a row another
	// worker already claimed fails the transition check here and is
	// silently skipped.
	claimed, err := p.store.UpdateStatus(ctx, next.ID, StatusProcessing, nil)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	return claimed, nil
}

func (p *Pool) process(ctx context.Context, job *Job) {
	jctx := logging.ContextWithJobID(ctx, job.ID)
	jlog := log.With(logging.ContextAttrs(jctx)...)

	bound := timeout.Adaptive(p.retryCfg, job.EstimatedSize)
	jlog.Info("job started",
		"site", job.SiteName,
		"points", len(job.Points),
		"attempt", job.RetryCount+1,
		"timeout", bound)

	started := p.now()
	result, err := timeout.WithTimeout(jctx, "job "+job.ID, bound,
		func(opCtx context.Context) (execResult, error) {
			key, samples, execErr := p.executor.Execute(opCtx, job)
			return execResult{key: key, samples: samples}, execErr
		})
	elapsed := p.now().Sub(started)

	if err == nil {
		_, uerr := p.store.UpdateStatus(jctx, job.ID, StatusCompleted, func(j *Job) {
			j.ResultKey = result.key
			j.SamplesCount = result.samples
			j.ProcessingTimeMs = elapsed.Milliseconds()
		})
		if uerr != nil {
			jlog.Error("completed job could not be recorded", "error", uerr)
			return
		}
		p.stats.RecordCompletion(elapsed)
		jlog.Info("job completed",
			"result_key", result.key,
			"samples", result.samples,
			"elapsed_ms", elapsed.Milliseconds())
		return
	}

	p.handleFailure(jctx, job, err)
}

type execResult struct {
	key     string
	samples int64
}

// handleFailure requeues a transiently failed job with backoff, or hands
// it to the dead-letter sink once retries are exhausted or the error is
// not worth retrying.
func (p *Pool) handleFailure(ctx context.Context, job *Job, cause error) {
	flog := log.With(logging.ContextAttrs(ctx)...)
	retriable := errors.IsRetriable(cause) && !errors.IsUserError(cause)
	attempts := job.RetryCount + 1

	if retriable && attempts < p.jobsCfg.MaxAttempts {
		opts := timeout.RetryOptions{
			Backoff:     true,
			BackoffBase: p.retryCfg.BackoffBase,
			BackoffCap:  p.retryCfg.BackoffCap,
		}
		delay := opts.BackoffDelay(attempts)

		_, err := p.store.UpdateStatus(ctx, job.ID, StatusQueued, func(j *Job) {
			j.RetryCount = attempts
			j.ErrorMessage = cause.Error()
		})
		if err != nil {
			flog.Error("requeue failed", "error", err)
			return
		}
		p.stats.RecordRetry()
		flog.Warn("job requeued",
			"attempt", attempts,
			"max_attempts", p.jobsCfg.MaxAttempts,
			"backoff", delay,
			"error", cause)

		// Delay the wake-up, not the worker.
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				_ = p.bus.Publish(ctx, Message{JobID: job.ID})
			}
		}()
		return
	}

	flog.Error("job failed permanently",
		"attempts", attempts,
		"retriable", retriable,
		"error", cause)

	msg := FailureMessage{
		JobID:      job.ID,
		Error:      cause.Error(),
		RetryCount: attempts,
	}
	if err := p.sink.HandleFailure(ctx, msg); err != nil {
		flog.Error("dead-letter handoff failed", "error", err)
	}
}
