package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, opts: opts}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Enqueue inserts a new job in its initial state.
func (s *Postgres) Enqueue(ctx context.Context, n models.NewJob) (models.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pin_jobs (id, recipe_id, recipe_title, platform, status, pin_title, pin_description,
			board_slug, destination_url, image_path, asset_9x16_path, asset_4x5_path,
			scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING `+jobColumns,
		uuid.New().String(), n.RecipeID, n.RecipeTitle, models.PlatformPinterest, string(n.InitialStatus(now)),
		n.PinTitle, n.PinDescription, n.BoardSlug, n.DestinationURL, n.ImagePath, n.Asset9x16Path, n.Asset4x5Path,
		n.ScheduledAt, now)
	job, err := scanPgJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimBatch atomically moves up to limit eligible jobs to processing.
// SKIP LOCKED lets concurrent claimers walk past each other's rows.
func (s *Postgres) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE pin_jobs SET status = 'processing', locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM pin_jobs
			WHERE status IN ('pending', 'rendered')
				AND (scheduled_at IS NULL OR scheduled_at <= $1)
				AND (locked_at IS NULL OR locked_at <= $2)
			ORDER BY COALESCE(scheduled_at, created_at), created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) AND status IN ('pending', 'rendered')
		RETURNING `+jobColumns,
		now, now.Add(-s.opts.lease()), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	jobs, err := collectPgJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	sortClaimed(jobs)
	return jobs, nil
}

// ClaimJob claims a single job by id.
func (s *Postgres) ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pin_jobs SET status = 'processing', locked_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'rendered')
			AND (locked_at IS NULL OR locked_at <= $3)
		RETURNING `+jobColumns,
		id, now, now.Add(-s.opts.lease()))
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id, "claim")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, nil
}

// MarkSucceeded records a publish outcome. A job that is already posted is
// left untouched so a repeated call is harmless.
func (s *Postgres) MarkSucceeded(ctx context.Context, id string, pub models.Published, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs
		SET status = 'posted', external_post_id = $2, external_post_url = $3,
			published_at = COALESCE(published_at, $4), locked_at = NULL, publish_error = '', updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, pub.ExternalID, pub.ExternalURL, now)
	if err != nil {
		return fmt.Errorf("mark succeeded %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	if status == models.StatusPosted {
		return nil
	}
	return fmt.Errorf("mark succeeded %s in state %s: %w", id, status, apperr.ErrConflict)
}

// MarkFailed moves a processing job to failed and counts the attempt.
func (s *Postgres) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs
		SET status = 'failed', attempts = attempts + 1, publish_error = $2, locked_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, now)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "mark failed")
	}
	return nil
}

// RecordAttemptFailure counts a failed attempt while the caller keeps the lock.
func (s *Postgres) RecordAttemptFailure(ctx context.Context, id, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs
		SET attempts = attempts + 1, publish_error = $2, locked_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, now)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "record attempt")
	}
	return nil
}

// ResetForRetry returns a job to its pre-processing state with a clean slate.
// Posted jobs and jobs under a live lock are refused.
func (s *Postgres) ResetForRetry(ctx context.Context, id string, opts ResetOptions) (models.Job, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE pin_jobs
		SET status = `+readyStatusSQL+`, publish_error = '', attempts = 0, locked_at = NULL,
			scheduled_at = COALESCE($2, scheduled_at), updated_at = $3
		WHERE id = $1 AND status <> 'posted'
			AND NOT (status = 'processing' AND locked_at IS NOT NULL AND locked_at > $4)
		RETURNING `+jobColumns,
		id, opts.RescheduleAt, now, now.Add(-s.opts.lease()))
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id, "reset")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("reset job %s: %w", id, err)
	}
	return job, nil
}

// Release unlocks claimed jobs that were never attempted.
func (s *Postgres) Release(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, locked_at = NULL, updated_at = $2
		WHERE id = ANY($1) AND status = 'processing'
	`, ids, now)
	if err != nil {
		return 0, fmt.Errorf("release jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseExpired requeues processing jobs whose lock predates cutoff.
func (s *Postgres) ReleaseExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, locked_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at <= $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PromoteScheduled makes due scheduled jobs claimable.
func (s *Postgres) PromoteScheduled(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, updated_at = $1
		WHERE status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= $1)
	`, now)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pin_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Postgres) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM pin_jobs`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectPgJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob applies a patch to non-status fields. Last writer wins.
func (s *Postgres) UpdateJob(ctx context.Context, id string, p models.JobPatch) (models.Job, error) {
	var clicks, impressions, saves *int64
	if p.UTMStats != nil {
		clicks, impressions, saves = &p.UTMStats.Clicks, &p.UTMStats.Impressions, &p.UTMStats.Saves
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE pin_jobs SET
			pin_title = COALESCE($2, pin_title),
			pin_description = COALESCE($3, pin_description),
			board_slug = COALESCE($4, board_slug),
			destination_url = COALESCE($5, destination_url),
			image_path = COALESCE($6, image_path),
			scheduled_at = COALESCE($7, scheduled_at),
			utm_clicks = COALESCE($8, utm_clicks),
			utm_impressions = COALESCE($9, utm_impressions),
			utm_saves = COALESCE($10, utm_saves),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, p.PinTitle, p.PinDescription, p.BoardSlug, p.DestinationURL, p.ImagePath, p.ScheduledAt,
		clicks, impressions, saves)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return job, nil
}

// DeleteJob removes a job unless a worker currently holds it.
func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pin_jobs
		WHERE id = $1 AND NOT (status = 'processing' AND locked_at IS NOT NULL AND locked_at > $2)
	`, id, time.Now().UTC().Add(-s.opts.lease()))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "delete")
	}
	return nil
}

func (s *Postgres) Stats(ctx context.Context) (models.QueueStats, error) {
	var st models.QueueStats
	if err := s.pool.QueryRow(ctx, statsQuery).Scan(&st.TotalPins, &st.Published, &st.Scheduled,
		&st.Errors, &st.TotalClicks, &st.TotalImpressions); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func (s *Postgres) ListBoards(ctx context.Context) ([]models.BoardMapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+boardColumns+` FROM pinterest_board_map ORDER BY board_slug`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	var out []models.BoardMapping
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateBoard(ctx context.Context, b models.BoardMapping) (models.BoardMapping, error) {
	b.Normalize()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pinterest_board_map (id, cuisine_key, board_slug, board_name, pinterest_board_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.CuisineKey, b.BoardSlug, b.BoardName, b.PinterestBoardID, b.IsActive)
	if isPgUniqueViolation(err) {
		return models.BoardMapping{}, fmt.Errorf("board %s exists: %w", b.BoardSlug, apperr.ErrConflict)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("insert board: %w", err)
	}
	return b, nil
}

func (s *Postgres) UpdateBoard(ctx context.Context, id string, p models.BoardPatch) (models.BoardMapping, error) {
	p.Normalize()
	b, err := scanBoard(s.pool.QueryRow(ctx, `
		UPDATE pinterest_board_map SET
			cuisine_key = COALESCE($2, cuisine_key),
			board_name = COALESCE($3, board_name),
			pinterest_board_id = COALESCE($4, pinterest_board_id),
			is_active = COALESCE($5, is_active)
		WHERE id = $1
		RETURNING `+boardColumns,
		id, p.CuisineKey, p.BoardName, p.PinterestBoardID, p.IsActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BoardMapping{}, fmt.Errorf("board %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("update board %s: %w", id, err)
	}
	return b, nil
}

// FindActiveBoard matches key against board_slug first, then cuisine_key.
func (s *Postgres) FindActiveBoard(ctx context.Context, key string) (models.BoardMapping, error) {
	key = models.NormalizeBoardKey(key)
	b, err := scanBoard(s.pool.QueryRow(ctx, `
		SELECT `+boardColumns+` FROM pinterest_board_map
		WHERE is_active AND (lower(board_slug) = $1 OR lower(cuisine_key) = $1)
		ORDER BY CASE WHEN lower(board_slug) = $1 THEN 0 ELSE 1 END, board_slug
		LIMIT 1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BoardMapping{}, fmt.Errorf("board %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("find board: %w", err)
	}
	return b, nil
}

func (s *Postgres) GetCredential(ctx context.Context, label string) (models.Credential, error) {
	var c models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT account_label, access_token, refresh_token, expires_at, scope, updated_at
		FROM pinterest_oauth WHERE account_label = $1
	`, label).Scan(&c.AccountLabel, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Scope, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential %s: %w", label, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

func (s *Postgres) SaveCredential(ctx context.Context, c models.Credential) error {
	if c.AccountLabel == "" {
		c.AccountLabel = models.DefaultAccountLabel
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pinterest_oauth (account_label, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_label) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			updated_at = NOW()
	`, c.AccountLabel, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.Scope)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

const recipeColumns = `id, title, cuisine_type, badges, image_url, ingredients_count, created_at`

func (s *Postgres) ListRecipes(ctx context.Context) ([]models.Recipe, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recipeColumns+` FROM recipes ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()
	var out []models.Recipe
	for rows.Next() {
		var r models.Recipe
		if err := rows.Scan(&r.ID, &r.Title, &r.CuisineType, &r.Badges, &r.ImageURL, &r.IngredientsCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) GetRecipe(ctx context.Context, id string) (models.Recipe, error) {
	var r models.Recipe
	err := s.pool.QueryRow(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id).
		Scan(&r.ID, &r.Title, &r.CuisineType, &r.Badges, &r.ImageURL, &r.IngredientsCount, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recipe{}, fmt.Errorf("recipe %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Recipe{}, fmt.Errorf("scan recipe: %w", err)
	}
	return r, nil
}

func (s *Postgres) CreateRecipe(ctx context.Context, r models.Recipe) (models.Recipe, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Badges == nil {
		r.Badges = []string{}
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recipes (id, title, cuisine_type, badges, image_url, ingredients_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Title, r.CuisineType, r.Badges, r.ImageURL, r.IngredientsCount, r.CreatedAt)
	if isPgUniqueViolation(err) {
		return models.Recipe{}, fmt.Errorf("recipe %s exists: %w", r.ID, apperr.ErrConflict)
	}
	if err != nil {
		return models.Recipe{}, fmt.Errorf("insert recipe: %w", err)
	}
	return r, nil
}

func (s *Postgres) GetSettings(ctx context.Context) (models.Settings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, settingsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st := defaultSettings()
	if err := json.Unmarshal(raw, &st); err != nil {
		return models.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return st, nil
}

func (s *Postgres) SaveSettings(ctx context.Context, st models.Settings) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, settingsKey, raw)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Postgres) status(ctx context.Context, id string) (models.Status, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT status FROM pin_jobs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("job status %s: %w", id, err)
	}
	return models.ParseStatus(raw)
}

// missOrConflict explains why a conditional update matched nothing.
func (s *Postgres) missOrConflict(ctx context.Context, id, op string) error {
	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s in state %s: %w", op, id, status, apperr.ErrConflict)
}

func scanPgJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	err := row.Scan(&job.ID, &job.RecipeID, &job.RecipeTitle, &job.Platform, &status,
		&job.PinTitle, &job.PinDescription, &job.BoardSlug, &job.DestinationURL, &job.ImagePath,
		&job.Asset9x16Path, &job.Asset4x5Path, &job.ExternalPostID, &job.ExternalPostURL, &job.PublishError,
		&job.Attempts, &job.LockedAt, &job.ScheduledAt, &job.PublishedAt,
		&job.UTMStats.Clicks, &job.UTMStats.Impressions, &job.UTMStats.Saves,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status, err = models.ParseStatus(status); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func collectPgJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanBoard(row rowScanner) (models.BoardMapping, error) {
	var b models.BoardMapping
	err := row.Scan(&b.ID, &b.CuisineKey, &b.BoardSlug, &b.BoardName, &b.PinterestBoardID, &b.IsActive)
	return b, err
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
