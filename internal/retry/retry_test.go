package retry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
	"pin-publisher/internal/publisher"
	"pin-publisher/internal/store"
)

type scriptedPublisher struct {
	errs  []error
	calls int
}

func (p *scriptedPublisher) Publish(_ context.Context, job models.Job) (publisher.Result, error) {
	p.calls++
	if p.calls <= len(p.errs) {
		return publisher.Result{}, p.errs[p.calls-1]
	}
	return publisher.Result{ExternalID: "pin-" + job.ID, BoardID: "11223"}, nil
}

func temporary() error {
	return &apperr.ProviderError{StatusCode: 503, Message: "unavailable", Temporary: true}
}

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "pins.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func failedJob(t *testing.T, st *store.SQLite) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := st.Enqueue(ctx, models.NewJob{RecipeID: "r1", BoardSlug: "diner-italien", ImagePath: "https://cdn/r1.jpg"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.ClaimJob(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkFailed(ctx, job.ID, "boom", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	return job
}

func newService(t *testing.T, st Store, pub Publisher) (*Service, *[]time.Duration) {
	svc := New(st, pub, nil, Options{MaxAttempts: 3, BaseDelay: time.Second}, zaptest.NewLogger(t))
	var delays []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return svc, &delays
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	st := newStore(t)
	job := failedJob(t, st)
	pub := &scriptedPublisher{errs: []error{temporary(), temporary()}}
	svc, delays := newService(t, st, pub)

	out, err := svc.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Tentative.Status != models.StatusPending || out.Tentative.Attempts != 0 || out.Tentative.PublishError != "" {
		t.Fatalf("tentative snapshot not reset: %+v", out.Tentative)
	}
	if pub.calls != 3 || out.Attempts != 3 {
		t.Fatalf("expected three attempts, publisher calls=%d outcome=%d", pub.calls, out.Attempts)
	}
	if len(*delays) != 2 || (*delays)[0] != time.Second || (*delays)[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays %v", *delays)
	}
	if out.Job.Status != models.StatusPosted || out.Job.ExternalPostID != "pin-"+job.ID || out.Job.Attempts != 2 {
		t.Fatalf("unexpected final row %+v", out.Job)
	}
	if out.Job.LockedAt != nil || out.Job.PublishError != "" {
		t.Fatalf("posted row should be unlocked with no error: %+v", out.Job)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	st := newStore(t)
	job := failedJob(t, st)
	pub := &scriptedPublisher{errs: []error{temporary(), temporary(), temporary()}}
	svc, delays := newService(t, st, pub)

	out, err := svc.Retry(context.Background(), job.ID)
	if apperr.Kind(err) != apperr.KindProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(*delays) != 2 {
		t.Fatalf("no delay after the final attempt, got %v", *delays)
	}
	if out.Job.Status != models.StatusFailed || out.Job.Attempts != 3 || out.Job.LockedAt != nil {
		t.Fatalf("unexpected final row %+v", out.Job)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	st := newStore(t)
	job := failedJob(t, st)
	pub := &scriptedPublisher{errs: []error{apperr.ErrUnmappedBoard}}
	svc, delays := newService(t, st, pub)

	out, err := svc.Retry(context.Background(), job.ID)
	if !errors.Is(err, apperr.ErrUnmappedBoard) {
		t.Fatalf("expected unmapped board, got %v", err)
	}
	if pub.calls != 1 || len(*delays) != 0 {
		t.Fatalf("non-retryable error must not be retried: calls=%d delays=%v", pub.calls, *delays)
	}
	if out.Job.Status != models.StatusFailed || out.Job.Attempts != 1 {
		t.Fatalf("unexpected final row %+v", out.Job)
	}
}

func TestRetryStopsOnPermanentProviderRejection(t *testing.T) {
	st := newStore(t)
	job := failedJob(t, st)
	rejected := &apperr.ProviderError{StatusCode: 401, Code: 2, Message: "Authentication failed."}
	pub := &scriptedPublisher{errs: []error{rejected, rejected, rejected}}
	svc, delays := newService(t, st, pub)

	out, err := svc.Retry(context.Background(), job.ID)
	var perr *apperr.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != 401 {
		t.Fatalf("expected provider rejection, got %v", err)
	}
	if pub.calls != 1 || len(*delays) != 0 {
		t.Fatalf("permanent rejection must not be retried: calls=%d delays=%v", pub.calls, *delays)
	}
	if out.Job.Status != models.StatusFailed || out.Job.Attempts != 1 {
		t.Fatalf("unexpected final row %+v", out.Job)
	}
}

func TestRetryRejectsPostedJob(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job, _ := st.Enqueue(ctx, models.NewJob{RecipeID: "r1", ImagePath: "img"})
	if _, err := st.ClaimJob(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkSucceeded(ctx, job.ID, models.Published{ExternalID: "1"}, time.Now()); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	pub := &scriptedPublisher{}
	svc, _ := newService(t, st, pub)

	if _, err := svc.Retry(ctx, job.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("posted job must never be republished")
	}
}

func TestRetryMissingJob(t *testing.T) {
	svc, _ := newService(t, newStore(t), &scriptedPublisher{})
	if _, err := svc.Retry(context.Background(), "does-not-exist"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type brokenWrites struct {
	*store.SQLite
}

func (brokenWrites) MarkSucceeded(context.Context, string, models.Published, time.Time) error {
	return errors.New("connection reset")
}

func TestRetryReturnsQueueWhenPersistenceFails(t *testing.T) {
	st := newStore(t)
	job := failedJob(t, st)
	svc, _ := newService(t, brokenWrites{st}, &scriptedPublisher{})

	out, err := svc.Retry(context.Background(), job.ID)
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if out.Result == nil || len(out.Queue) != 1 || out.Queue[0].ID != job.ID {
		t.Fatalf("expected reconciliation queue, got %+v", out)
	}
}
