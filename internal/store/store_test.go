package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
)

type storeFactory func(t *testing.T) Store

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	st, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "pins.db"), Options{LeaseTimeout: 10 * time.Minute})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := NewPostgres(ctx, dsn, Options{LeaseTimeout: 10 * time.Minute})
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := st.pool.Exec(ctx, `TRUNCATE pin_jobs, pinterest_board_map, pinterest_oauth, recipes, app_settings`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestSQLiteStore(t *testing.T)   { runStoreSuite(t, newSQLiteStore) }
func TestPostgresStore(t *testing.T) { runStoreSuite(t, newPostgresStore) }

func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := map[string]func(t *testing.T, st Store){
		"EnqueueInitialStatus":         testEnqueueInitialStatus,
		"ClaimBatchEligibility":        testClaimBatchEligibility,
		"ConcurrentClaimsAreDisjoint":  testConcurrentClaimsAreDisjoint,
		"SingleClaimRace":              testSingleClaimRace,
		"MarkSucceededIdempotent":      testMarkSucceededIdempotent,
		"PostedIsImmutable":            testPostedIsImmutable,
		"ResetForRetry":                testResetForRetry,
		"ResetRefusesLiveLock":         testResetRefusesLiveLock,
		"ReleaseAndExpiry":             testReleaseAndExpiry,
		"PromoteScheduled":             testPromoteScheduled,
		"UpdateDeleteStats":            testUpdateDeleteStats,
		"Boards":                       testBoards,
		"CredentialsRecipesSettings":   testCredentialsRecipesSettings,
		"MissingJobIsNotFound":         testMissingJobIsNotFound,
		"RecordAttemptKeepsProcessing": testRecordAttemptKeepsProcessing,
		"MixedCaseBoardKeys":           testMixedCaseBoardKeys,
	}
	for name, fn := range tests {
		fn := fn
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func enqueue(t *testing.T, st Store, n models.NewJob) models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), n)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func claimOne(t *testing.T, st Store, id string, now time.Time) models.Job {
	t.Helper()
	job, err := st.ClaimJob(context.Background(), id, now)
	if err != nil {
		t.Fatalf("claim %s: %v", id, err)
	}
	return job
}

func testEnqueueInitialStatus(t *testing.T, st Store) {
	future := time.Now().Add(time.Hour)
	if j := enqueue(t, st, models.NewJob{RecipeID: "r1", ScheduledAt: &future}); j.Status != models.StatusScheduled {
		t.Fatalf("future job status = %s", j.Status)
	}
	if j := enqueue(t, st, models.NewJob{RecipeID: "r2", Asset9x16Path: "https://cdn/a.jpg"}); j.Status != models.StatusRendered {
		t.Fatalf("rendered job status = %s", j.Status)
	}
	j := enqueue(t, st, models.NewJob{RecipeID: "r3", ImagePath: "https://cdn/b.jpg"})
	if j.Status != models.StatusPending || j.Attempts != 0 || j.LockedAt != nil || j.Platform != models.PlatformPinterest {
		t.Fatalf("unexpected pending job: %+v", j)
	}
}

func testClaimBatchEligibility(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour)
	first, second, third := now.Add(-3*time.Minute), now.Add(-2*time.Minute), now.Add(-time.Minute)
	enqueue(t, st, models.NewJob{RecipeID: "later", ScheduledAt: &future})
	c := enqueue(t, st, models.NewJob{RecipeID: "c", ImagePath: "z", ScheduledAt: &third})
	a := enqueue(t, st, models.NewJob{RecipeID: "a", ImagePath: "x", ScheduledAt: &first})
	b := enqueue(t, st, models.NewJob{RecipeID: "b", Asset4x5Path: "y", ScheduledAt: &second})

	claimed, err := st.ClaimBatch(ctx, 2, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	for _, j := range claimed {
		if j.Status != models.StatusProcessing || j.LockedAt == nil {
			t.Fatalf("claimed job not locked: %+v", j)
		}
		if j.ID == c.ID {
			t.Fatalf("claimed a job out of due order")
		}
	}
	if claimed[0].ID != a.ID || claimed[1].ID != b.ID {
		t.Fatalf("unexpected claim order: %s, %s", claimed[0].ID, claimed[1].ID)
	}

	rest, err := st.ClaimBatch(ctx, 5, now)
	if err != nil {
		t.Fatalf("claim rest: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != c.ID {
		t.Fatalf("expected only %s left, got %+v", c.ID, rest)
	}
	none, _ := st.ClaimBatch(ctx, 5, now)
	if len(none) != 0 {
		t.Fatalf("scheduled future job must not be claimed")
	}
}

func testConcurrentClaimsAreDisjoint(t *testing.T, st Store) {
	ctx := context.Background()
	const total = 20
	for i := 0; i < total; i++ {
		enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := st.ClaimBatch(ctx, 3, time.Now())
				if err != nil {
					errs <- err
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim: %v", err)
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct jobs claimed, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func testSingleClaimRace(t *testing.T, st Store) {
	job := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	now := time.Now()
	claimOne(t, st, job.ID, now)
	_, err := st.ClaimJob(context.Background(), job.ID, now)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
}

func testMarkSucceededIdempotent(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	claimOne(t, st, job.ID, time.Now())

	first := time.Now()
	if err := st.MarkSucceeded(ctx, job.ID, models.Published{ExternalID: "pin-1"}, first); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	posted, _ := st.GetJob(ctx, job.ID)
	if posted.Status != models.StatusPosted || posted.PublishedAt == nil || posted.ExternalPostID != "pin-1" || posted.LockedAt != nil {
		t.Fatalf("unexpected posted job: %+v", posted)
	}

	if err := st.MarkSucceeded(ctx, job.ID, models.Published{ExternalID: "pin-2"}, first.Add(time.Hour)); err != nil {
		t.Fatalf("second mark succeeded: %v", err)
	}
	again, _ := st.GetJob(ctx, job.ID)
	if !again.PublishedAt.Equal(*posted.PublishedAt) || again.ExternalPostID != "pin-1" {
		t.Fatalf("repeat success rewrote the row: %+v", again)
	}
}

func testPostedIsImmutable(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	claimOne(t, st, job.ID, time.Now())
	if err := st.MarkSucceeded(ctx, job.ID, models.Published{ExternalID: "pin"}, time.Now()); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := st.MarkFailed(ctx, job.ID, "late failure", time.Now()); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("mark failed on posted should conflict, got %v", err)
	}
	if _, err := st.ResetForRetry(ctx, job.ID, ResetOptions{Now: time.Now()}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("reset on posted should conflict, got %v", err)
	}
	if _, err := st.ClaimJob(ctx, job.ID, time.Now()); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("claim on posted should conflict, got %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusPosted || got.PublishError != "" {
		t.Fatalf("posted job changed: %+v", got)
	}
}

func testResetForRetry(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", Asset9x16Path: "a.jpg"})
	claimOne(t, st, job.ID, time.Now())
	if err := st.MarkFailed(ctx, job.ID, "Board not found", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := st.GetJob(ctx, job.ID)
	if failed.Status != models.StatusFailed || failed.Attempts != 1 || failed.PublishError != "Board not found" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	at := time.Now().Truncate(time.Millisecond)
	reset, err := st.ResetForRetry(ctx, job.ID, ResetOptions{RescheduleAt: &at, Now: at})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != models.StatusRendered || reset.Attempts != 0 || reset.PublishError != "" || reset.LockedAt != nil {
		t.Fatalf("reset left residue: %+v", reset)
	}
	if reset.ScheduledAt == nil || !reset.ScheduledAt.Equal(at) {
		t.Fatalf("reset did not reschedule: %v", reset.ScheduledAt)
	}
}

func testResetRefusesLiveLock(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	claimOne(t, st, job.ID, time.Now())
	if _, err := st.ResetForRetry(ctx, job.ID, ResetOptions{Now: time.Now()}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("reset under live lock should conflict, got %v", err)
	}

	stale := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	claimOne(t, st, stale.ID, time.Now().Add(-time.Hour))
	got, err := st.ResetForRetry(ctx, stale.ID, ResetOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("reset of abandoned lock: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending after reset, got %s", got.Status)
	}
}

func testReleaseAndExpiry(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now()
	a := enqueue(t, st, models.NewJob{RecipeID: "a", ImagePath: "img"})
	b := enqueue(t, st, models.NewJob{RecipeID: "b", Asset4x5Path: "b.jpg"})
	claimOne(t, st, a.ID, now)
	claimOne(t, st, b.ID, now.Add(-time.Hour))

	n, err := st.Release(ctx, []string{a.ID}, now)
	if err != nil || n != 1 {
		t.Fatalf("release: n=%d err=%v", n, err)
	}
	released, _ := st.GetJob(ctx, a.ID)
	if released.Status != models.StatusPending || released.LockedAt != nil || released.Attempts != 0 {
		t.Fatalf("release did not restore job: %+v", released)
	}

	n, err = st.ReleaseExpired(ctx, now.Add(-10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("release expired: n=%d err=%v", n, err)
	}
	expired, _ := st.GetJob(ctx, b.ID)
	if expired.Status != models.StatusRendered || expired.LockedAt != nil || expired.Attempts != 0 {
		t.Fatalf("expired lease not requeued: %+v", expired)
	}
}

func testPromoteScheduled(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now()
	soon := now.Add(time.Minute)
	later := now.Add(time.Hour)
	due := enqueue(t, st, models.NewJob{RecipeID: "due", Asset9x16Path: "a.jpg", ScheduledAt: &soon})
	enqueue(t, st, models.NewJob{RecipeID: "later", ScheduledAt: &later})

	n, err := st.PromoteScheduled(ctx, now.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}
	got, _ := st.GetJob(ctx, due.ID)
	if got.Status != models.StatusRendered {
		t.Fatalf("expected rendered, got %s", got.Status)
	}
}

func testUpdateDeleteStats(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", PinTitle: "Old", ImagePath: "img"})
	title := "Tarte Tatin"
	updated, err := st.UpdateJob(ctx, job.ID, models.JobPatch{
		PinTitle: &title,
		UTMStats: &models.UTMStats{Clicks: 12, Impressions: 340, Saves: 2},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PinTitle != title || updated.UTMStats.Clicks != 12 || updated.ImagePath != "img" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	failing := enqueue(t, st, models.NewJob{RecipeID: "f", ImagePath: "img"})
	claimOne(t, st, failing.ID, time.Now())
	_ = st.MarkFailed(ctx, failing.ID, "boom", time.Now())
	future := time.Now().Add(time.Hour)
	enqueue(t, st, models.NewJob{RecipeID: "s", ScheduledAt: &future})

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.QueueStats{TotalPins: 3, Scheduled: 1, Errors: 1, TotalClicks: 12, TotalImpressions: 340}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	if err := st.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetJob(ctx, job.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	failedOnly, _ := st.ListJobs(ctx, models.JobFilter{Status: models.StatusFailed})
	if len(failedOnly) != 1 || failedOnly[0].ID != failing.ID {
		t.Fatalf("status filter returned %+v", failedOnly)
	}
}

func testBoards(t *testing.T, st Store) {
	ctx := context.Background()
	italian, err := st.CreateBoard(ctx, models.BoardMapping{CuisineKey: "italien", BoardSlug: "diner-italien", BoardName: "Dîner Italien", PinterestBoardID: "11223", IsActive: true})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if _, err := st.CreateBoard(ctx, models.BoardMapping{CuisineKey: "petit-dej", BoardSlug: "idees-dej", PinterestBoardID: "44556", IsActive: false}); err != nil {
		t.Fatalf("create inactive board: %v", err)
	}
	if _, err := st.CreateBoard(ctx, models.BoardMapping{BoardSlug: "diner-italien"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate slug should conflict, got %v", err)
	}

	if b, err := st.FindActiveBoard(ctx, "diner-italien"); err != nil || b.PinterestBoardID != "11223" {
		t.Fatalf("find by slug: %+v %v", b, err)
	}
	if b, err := st.FindActiveBoard(ctx, "italien"); err != nil || b.ID != italian.ID {
		t.Fatalf("find by cuisine: %+v %v", b, err)
	}
	if _, err := st.FindActiveBoard(ctx, "idees-dej"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("inactive board must not resolve, got %v", err)
	}

	off := false
	b, err := st.UpdateBoard(ctx, italian.ID, models.BoardPatch{IsActive: &off})
	if err != nil || b.IsActive {
		t.Fatalf("deactivate: %+v %v", b, err)
	}
	boards, _ := st.ListBoards(ctx)
	if len(boards) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(boards))
	}
}

func testMixedCaseBoardKeys(t *testing.T, st Store) {
	ctx := context.Background()
	b, err := st.CreateBoard(ctx, models.BoardMapping{CuisineKey: " Italien", BoardSlug: "Diner-Italien", PinterestBoardID: "11223", IsActive: true})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if b.BoardSlug != "diner-italien" || b.CuisineKey != "italien" {
		t.Fatalf("keys should be stored lowercase, got %+v", b)
	}
	if _, err := st.CreateBoard(ctx, models.BoardMapping{BoardSlug: "DINER-ITALIEN"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("slug differing only in case should conflict, got %v", err)
	}
	for _, key := range []string{"diner-italien", "Diner-Italien", "ITALIEN"} {
		if got, err := st.FindActiveBoard(ctx, key); err != nil || got.ID != b.ID {
			t.Fatalf("find %q: %+v %v", key, got, err)
		}
	}

	cuisine := "Asiatique"
	b, err = st.UpdateBoard(ctx, b.ID, models.BoardPatch{CuisineKey: &cuisine})
	if err != nil || b.CuisineKey != "asiatique" {
		t.Fatalf("update cuisine: %+v %v", b, err)
	}
	if got, err := st.FindActiveBoard(ctx, "asiatique"); err != nil || got.ID != b.ID {
		t.Fatalf("find updated cuisine: %+v %v", got, err)
	}
}

func testCredentialsRecipesSettings(t *testing.T, st Store) {
	ctx := context.Background()
	if _, err := st.GetCredential(ctx, models.DefaultAccountLabel); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing credential should be not found, got %v", err)
	}
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.SaveCredential(ctx, models.Credential{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: &exp, Scope: "pins:write"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	if err := st.SaveCredential(ctx, models.Credential{AccessToken: "tok2", RefreshToken: "ref", ExpiresAt: &exp}); err != nil {
		t.Fatalf("overwrite credential: %v", err)
	}
	c, err := st.GetCredential(ctx, models.DefaultAccountLabel)
	if err != nil || c.AccessToken != "tok2" || c.ExpiresAt == nil || !c.ExpiresAt.Equal(exp) {
		t.Fatalf("credential roundtrip: %+v %v", c, err)
	}

	r, err := st.CreateRecipe(ctx, models.Recipe{Title: "Ratatouille", CuisineType: "provencal", Badges: []string{"vegan"}})
	if err != nil {
		t.Fatalf("create recipe: %v", err)
	}
	got, err := st.GetRecipe(ctx, r.ID)
	if err != nil || got.Title != "Ratatouille" || len(got.Badges) != 1 {
		t.Fatalf("recipe roundtrip: %+v %v", got, err)
	}

	def, err := st.GetSettings(ctx)
	if err != nil || def.Language != "fr" {
		t.Fatalf("default settings: %+v %v", def, err)
	}
	def.GoogleAnalyticsID = "G-123"
	if err := st.SaveSettings(ctx, def); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	saved, _ := st.GetSettings(ctx)
	if saved.GoogleAnalyticsID != "G-123" {
		t.Fatalf("settings not persisted: %+v", saved)
	}
}

func testMissingJobIsNotFound(t *testing.T, st Store) {
	ctx := context.Background()
	if _, err := st.ClaimJob(ctx, "nope", time.Now()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("claim missing: %v", err)
	}
	if err := st.MarkSucceeded(ctx, "nope", models.Published{}, time.Now()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("mark missing: %v", err)
	}
	if _, err := st.ResetForRetry(ctx, "nope", ResetOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("reset missing: %v", err)
	}
	if err := st.DeleteJob(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
}

func testRecordAttemptKeepsProcessing(t *testing.T, st Store) {
	ctx := context.Background()
	job := enqueue(t, st, models.NewJob{RecipeID: "r", ImagePath: "img"})
	claimOne(t, st, job.ID, time.Now())
	if err := st.RecordAttemptFailure(ctx, job.ID, "503", time.Now()); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing || got.Attempts != 1 || got.PublishError != "503" || got.LockedAt == nil {
		t.Fatalf("unexpected job after attempt: %+v", got)
	}
}
