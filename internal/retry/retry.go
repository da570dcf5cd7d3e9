// Package retry republishes a single job on operator request, with inline
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/events"
	"pin-publisher/internal/models"
	"pin-publisher/internal/publisher"
	"pin-publisher/internal/store"
	"pin-publisher/internal/telemetry"
)

type Store interface {
	ResetForRetry(ctx context.Context, id string, opts store.ResetOptions) (models.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	RecordAttemptFailure(ctx context.Context, id, reason string, now time.Time) error
	MarkSucceeded(ctx context.Context, id string, pub models.Published, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
}

type Publisher interface {
	Publish(ctx context.Context, job models.Job) (publisher.Result, error)
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Outcome is what the dashboard renders after a retry.
type Outcome struct {
	// Tentative is the row right after the reset, before any publish attempt.
	Tentative models.Job `json:"tentative"`
	// Job is the persisted row once the retry settled.
	Job      models.Job        `json:"job"`
	Attempts int               `json:"attempts"`
	Result   *publisher.Result `json:"result,omitempty"`
	// Queue is set when the outcome could not be persisted, so the caller
	// can replace its local copy with what the store actually holds.
	Queue []models.Job `json:"queue,omitempty"`
}

type Service struct {
	store    Store
	pub      Publisher
	notifier events.Notifier
	opts     Options
	log      *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(st Store, pub Publisher, notifier events.Notifier, opts Options, log *zap.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, pub: pub, notifier: notifier, opts: opts, log: log, now: time.Now, sleep: sleepCtx}
}

// Retry resets job id, claims it and publishes it, retrying retryable
// failures up to MaxAttempts times.
func (s *Service) Retry(ctx context.Context, id string) (Outcome, error) {
	log := s.log.With(zap.String("job_id", id))
	var out Outcome

	now := s.now()
	tentative, err := s.store.ResetForRetry(ctx, id, store.ResetOptions{RescheduleAt: &now, Now: now})
	if err != nil {
		return out, fmt.Errorf("reset job: %w", err)
	}
	out.Tentative = tentative

	job, err := s.store.ClaimJob(ctx, id, s.now())
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return out, fmt.Errorf("job unavailable: %w", err)
		}
		return out, fmt.Errorf("claim job: %w", err)
	}
	telemetry.ClaimedCounter.Inc()
	s.notifier.Notify(ctx, events.TypeRetried, id, nil)

	var lastErr error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		out.Attempts = attempt + 1
		telemetry.RetryAttempts.Inc()

		res, err := s.pub.Publish(ctx, job)
		if err == nil {
			out.Result = &res
			if markErr := s.store.MarkSucceeded(context.WithoutCancel(ctx), id, res.Published(), s.now()); markErr != nil {
				log.Error("record retry success", zap.String("external_id", res.ExternalID), zap.Error(markErr))
				return s.reconcile(ctx, out, fmt.Errorf("record publish: %w", markErr))
			}
			telemetry.PublishedCounter.Inc()
			s.notifier.Notify(ctx, events.TypePublished, id, map[string]any{
				"external_id": res.ExternalID,
				"board_id":    res.BoardID,
				"attempts":    out.Attempts,
			})
			log.Info("retry published", zap.Int("attempts", out.Attempts), zap.String("external_id", res.ExternalID))
			return s.settle(ctx, out, nil)
		}

		lastErr = err
		kind := apperr.Kind(err)
		telemetry.FailureCounter.WithLabelValues(kind).Inc()
		log.Warn("retry attempt failed", zap.Int("attempt", out.Attempts), zap.String("kind", kind), zap.Error(err))

		if !apperr.Retryable(err) || attempt == s.opts.MaxAttempts-1 {
			break
		}
		if recErr := s.store.RecordAttemptFailure(context.WithoutCancel(ctx), id, err.Error(), s.now()); recErr != nil {
			return s.reconcile(ctx, out, fmt.Errorf("record attempt: %w", recErr))
		}
		if sleepErr := s.sleep(ctx, s.delay(attempt)); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), id, lastErr.Error(), s.now()); markErr != nil {
		log.Error("record retry failure", zap.Error(markErr))
		return s.reconcile(ctx, out, fmt.Errorf("record failure: %w", markErr))
	}
	s.notifier.Notify(ctx, events.TypeFailed, id, map[string]any{
		"code":     apperr.Kind(lastErr),
		"error":    lastErr.Error(),
		"attempts": out.Attempts,
	})
	return s.settle(ctx, out, lastErr)
}

// delay after the n-th failed attempt, counting from zero.
func (s *Service) delay(n int) time.Duration {
	return time.Duration(float64(s.opts.BaseDelay) * math.Pow(2, float64(n)))
}

func (s *Service) settle(ctx context.Context, out Outcome, cause error) (Outcome, error) {
	job, err := s.store.GetJob(context.WithoutCancel(ctx), out.Tentative.ID)
	if err != nil {
		return s.reconcile(ctx, out, errors.Join(cause, err))
	}
	out.Job = job
	return out, cause
}

func (s *Service) reconcile(ctx context.Context, out Outcome, cause error) (Outcome, error) {
	queue, err := s.store.ListJobs(context.WithoutCancel(ctx), models.JobFilter{})
	if err != nil {
		s.log.Error("refetch queue", zap.Error(err))
		return out, cause
	}
	out.Queue = queue
	return out, cause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
