package store

import (
	"context"
	"sort"
	"time"

	"pin-publisher/internal/models"
)

// Store is the queue store plus the catalog tables the publisher reads.
// Every state transition is a single conditional statement so concurrent
// workers and operators cannot interleave a read and a write.
type Store interface {
	Enqueue(ctx context.Context, job models.NewJob) (models.Job, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	MarkSucceeded(ctx context.Context, id string, pub models.Published, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	RecordAttemptFailure(ctx context.Context, id, reason string, now time.Time) error
	ResetForRetry(ctx context.Context, id string, opts ResetOptions) (models.Job, error)
	Release(ctx context.Context, ids []string, now time.Time) (int64, error)
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int64, error)
	PromoteScheduled(ctx context.Context, now time.Time) (int64, error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) (models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.QueueStats, error)

	ListBoards(ctx context.Context) ([]models.BoardMapping, error)
	CreateBoard(ctx context.Context, b models.BoardMapping) (models.BoardMapping, error)
	UpdateBoard(ctx context.Context, id string, patch models.BoardPatch) (models.BoardMapping, error)
	FindActiveBoard(ctx context.Context, key string) (models.BoardMapping, error)

	GetCredential(ctx context.Context, label string) (models.Credential, error)
	SaveCredential(ctx context.Context, c models.Credential) error

	ListRecipes(ctx context.Context) ([]models.Recipe, error)
	GetRecipe(ctx context.Context, id string) (models.Recipe, error)
	CreateRecipe(ctx context.Context, r models.Recipe) (models.Recipe, error)

	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) error

	RunMigrations(ctx context.Context) error
	Close()
}

// ResetOptions tunes ResetForRetry.
type ResetOptions struct {
	// RescheduleAt replaces scheduled_at when set.
	RescheduleAt *time.Time
	Now          time.Time
}

// Options are shared by both implementations.
type Options struct {
	// LeaseTimeout is how long a processing lock is honored. Older locks are
	// treated as abandoned.
	LeaseTimeout time.Duration
}

const defaultLeaseTimeout = 10 * time.Minute

func (o Options) lease() time.Duration {
	if o.LeaseTimeout <= 0 {
		return defaultLeaseTimeout
	}
	return o.LeaseTimeout
}

const settingsKey = "general_config"

const jobColumns = `id, recipe_id, recipe_title, platform, status, pin_title, pin_description,
	board_slug, destination_url, image_path, asset_9x16_path, asset_4x5_path,
	external_post_id, external_post_url, publish_error, attempts,
	locked_at, scheduled_at, published_at, utm_clicks, utm_impressions, utm_saves,
	created_at, updated_at`

// readyStatusSQL evaluates to the state a job returns to when it leaves
// processing or scheduled without a publish outcome.
const readyStatusSQL = `CASE WHEN asset_9x16_path <> '' OR asset_4x5_path <> '' THEN 'rendered' ELSE 'pending' END`

const boardColumns = `id, cuisine_key, board_slug, board_name, pinterest_board_id, is_active`

const statsQuery = `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'posted' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'scheduled' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(utm_clicks), 0),
		COALESCE(SUM(utm_impressions), 0)
	FROM pin_jobs`

// rowScanner is satisfied by pgx rows and database/sql rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// sortClaimed orders claimed jobs the way the claim query picked them;
// RETURNING does not guarantee order.
func sortClaimed(jobs []models.Job) {
	key := func(j models.Job) time.Time {
		if j.ScheduledAt != nil {
			return *j.ScheduledAt
		}
		return j.CreatedAt
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		ka, kb := key(jobs[a]), key(jobs[b])
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func defaultSettings() models.Settings {
	return models.Settings{
		Timezone:         "Europe/Paris",
		Language:         "fr",
		DefaultUTMSource: "pinterest",
	}
}
