package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/events"
	"pin-publisher/internal/models"
	"pin-publisher/internal/publisher"
	"pin-publisher/internal/telemetry"
)

const (
	DetailOK     = "ok"
	DetailFailed = "failed"
)

// Store is the slice of the queue store the dispatcher and runner drive.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	MarkSucceeded(ctx context.Context, id string, pub models.Published, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	Release(ctx context.Context, ids []string, now time.Time) (int64, error)
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int64, error)
	PromoteScheduled(ctx context.Context, now time.Time) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, job models.Job) (publisher.Result, error)
}

// Detail is the outcome of one job within a batch.
type Detail struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Result *publisher.Result `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Code   string            `json:"code,omitempty"`
}

type Summary struct {
	Processed   int      `json:"processed"`
	Details     []Detail `json:"details"`
	Aborted     bool     `json:"aborted"`
	AbortReason string   `json:"abort_reason,omitempty"`
	Released    int64    `json:"released,omitempty"`
}

type Options struct {
	// ReleaseOnAbort unlocks the unattempted remainder of an aborted batch.
	// When false those jobs stay processing until their lease expires.
	ReleaseOnAbort bool
	// StoreTimeout bounds each store call made while processing a batch.
	StoreTimeout time.Duration
}

// Dispatcher claims a batch and publishes it job by job.
type Dispatcher struct {
	store    Store
	pub      Publisher
	notifier events.Notifier
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func NewDispatcher(st Store, pub Publisher, notifier events.Notifier, opts Options, log *zap.Logger) *Dispatcher {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Dispatcher{store: st, pub: pub, notifier: notifier, opts: opts, log: log, now: time.Now}
}

// RunBatch claims up to limit jobs and processes them sequentially. A
// not-configured error stops the batch; every other failure is recorded on
// its job and the batch moves on.
func (d *Dispatcher) RunBatch(ctx context.Context, limit int) (Summary, error) {
	summary := Summary{Details: []Detail{}}

	claimCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	jobs, err := d.store.ClaimBatch(claimCtx, limit, d.now())
	cancel()
	if err != nil {
		return summary, err
	}
	telemetry.ClaimedCounter.Add(float64(len(jobs)))
	telemetry.QueueDepthGauge.Set(float64(len(jobs)))
	if len(jobs) == 0 {
		return summary, nil
	}
	d.log.Info("batch claimed", zap.Int("jobs", len(jobs)), zap.Int("limit", limit))

	for i, job := range jobs {
		if ctx.Err() != nil {
			// Shutting down: hand the rest back.
			summary.Released += d.release(jobs[i:])
			break
		}

		detail, err := d.process(ctx, job)
		summary.Details = append(summary.Details, detail)
		summary.Processed++

		if errors.Is(err, apperr.ErrNotConfigured) {
			summary.Aborted = true
			summary.AbortReason = err.Error()
			telemetry.BatchAborted.Inc()
			d.notifier.Notify(ctx, events.TypeBatchAborted, job.ID, map[string]any{
				"reason":    summary.AbortReason,
				"remaining": len(jobs) - i - 1,
			})
			d.log.Error("pinterest not configured, aborting batch",
				zap.String("job_id", job.ID),
				zap.Int("remaining", len(jobs)-i-1),
				zap.Error(err))
			if d.opts.ReleaseOnAbort {
				summary.Released += d.release(jobs[i+1:])
			}
			break
		}
	}
	return summary, nil
}

// PublishOne claims job id and publishes it outside the batch loop.
func (d *Dispatcher) PublishOne(ctx context.Context, id string) (Detail, error) {
	claimCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	job, err := d.store.ClaimJob(claimCtx, id, d.now())
	cancel()
	if err != nil {
		return Detail{ID: id, Status: DetailFailed, Error: err.Error(), Code: apperr.Kind(err)}, err
	}
	telemetry.ClaimedCounter.Inc()
	return d.process(ctx, job)
}

// process publishes one job and records the outcome. The returned error is
// the publish or bookkeeping failure, already reflected in the detail.
func (d *Dispatcher) process(ctx context.Context, job models.Job) (Detail, error) {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("board", job.BoardSlug))

	res, err := d.pub.Publish(ctx, job)
	if err == nil {
		if markErr := d.markSucceeded(ctx, job.ID, res); markErr != nil {
			// The pin exists on Pinterest. The row stays locked until the lease
			// sweep or an operator reconciles it.
			log.Error("record publish outcome", zap.String("external_id", res.ExternalID), zap.Error(markErr))
			return Detail{ID: job.ID, Status: DetailFailed, Result: &res, Error: markErr.Error(), Code: apperr.Kind(markErr)}, markErr
		}
		telemetry.PublishedCounter.Inc()
		d.notifier.Notify(ctx, events.TypePublished, job.ID, map[string]any{
			"external_id": res.ExternalID,
			"board_id":    res.BoardID,
		})
		return Detail{ID: job.ID, Status: DetailOK, Result: &res}, nil
	}

	kind := apperr.Kind(err)
	telemetry.FailureCounter.WithLabelValues(kind).Inc()
	log.Warn("publish failed", zap.String("kind", kind), zap.Error(err))

	if markErr := d.markFailed(ctx, job.ID, err.Error()); markErr != nil {
		log.Error("record publish failure", zap.Error(markErr))
	}
	d.notifier.Notify(ctx, events.TypeFailed, job.ID, map[string]any{"code": kind, "error": err.Error()})

	return Detail{ID: job.ID, Status: DetailFailed, Error: err.Error(), Code: kind}, err
}

func (d *Dispatcher) markSucceeded(ctx context.Context, id string, res publisher.Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.StoreTimeout)
	defer cancel()
	return d.store.MarkSucceeded(ctx, id, res.Published(), d.now())
}

func (d *Dispatcher) markFailed(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.StoreTimeout)
	defer cancel()
	return d.store.MarkFailed(ctx, id, reason, d.now())
}

func (d *Dispatcher) release(jobs []models.Job) int64 {
	if len(jobs) == 0 {
		return 0
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.StoreTimeout)
	defer cancel()
	n, err := d.store.Release(ctx, ids, d.now())
	if err != nil {
		d.log.Error("release unattempted jobs", zap.Strings("job_ids", ids), zap.Error(err))
		return 0
	}
	telemetry.ReleasedCounter.Add(float64(n))
	return n
}
