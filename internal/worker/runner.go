package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"pin-publisher/internal/telemetry"
)

type RunnerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

// Runner drives the dispatcher on a fixed interval for deployments without
// an external scheduler hitting the trigger endpoint.
type Runner struct {
	store      Store
	dispatcher *Dispatcher
	opts       RunnerOptions
	log        *zap.Logger
	now        func() time.Time
}

func NewRunner(st Store, d *Dispatcher, opts RunnerOptions, log *zap.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: st, dispatcher: d, opts: opts, log: log, now: time.Now}
}

// Run starts the main worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	failures := 0
	for {
		wait := r.opts.PollInterval
		summary, err := r.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			wait = backoffWithJitter(time.Second, r.opts.PollInterval, failures)
			r.log.Error("worker tick failed", zap.Int("consecutive_failures", failures), zap.Duration("retry_in", wait), zap.Error(err))
		case err == nil:
			failures = 0
			if summary.Processed > 0 {
				r.log.Info("batch finished",
					zap.Int("processed", summary.Processed),
					zap.Bool("aborted", summary.Aborted),
					zap.Int64("released", summary.Released))
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick requeues expired leases, promotes due scheduled jobs and runs one batch.
func (r *Runner) Tick(ctx context.Context) (Summary, error) {
	now := r.now()
	if n, err := r.store.ReleaseExpired(ctx, now.Add(-r.opts.LeaseTimeout)); err != nil {
		return Summary{}, err
	} else if n > 0 {
		telemetry.ReleasedCounter.Add(float64(n))
		r.log.Warn("requeued jobs with expired leases", zap.Int64("jobs", n))
	}
	if n, err := r.store.PromoteScheduled(ctx, now); err != nil {
		return Summary{}, err
	} else if n > 0 {
		r.log.Info("promoted scheduled jobs", zap.Int64("jobs", n))
	}
	return r.dispatcher.RunBatch(ctx, r.opts.BatchSize)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
