package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
)

// SQLite is the single-file store used for local runs and tests. Timestamps
// are unix milliseconds so range predicates compare numerically.
type SQLite struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path with WAL enabled.
func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has one writer; a single connection keeps claims serialized
	// without busy retries.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, opts: opts}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Enqueue(ctx context.Context, n models.NewJob) (models.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pin_jobs (id, recipe_id, recipe_title, platform, status, pin_title, pin_description,
			board_slug, destination_url, image_path, asset_9x16_path, asset_4x5_path,
			scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+jobColumns,
		uuid.New().String(), n.RecipeID, n.RecipeTitle, models.PlatformPinterest, string(n.InitialStatus(now)),
		n.PinTitle, n.PinDescription, n.BoardSlug, n.DestinationURL, n.ImagePath, n.Asset9x16Path, n.Asset4x5Path,
		nullMillis(n.ScheduledAt), millis(now), millis(now))
	job, err := scanSQLiteJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pin_jobs SET status = 'processing', locked_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM pin_jobs
			WHERE status IN ('pending', 'rendered')
				AND (scheduled_at IS NULL OR scheduled_at <= ?)
				AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY COALESCE(scheduled_at, created_at), created_at
			LIMIT ?
		) AND status IN ('pending', 'rendered')
		RETURNING `+jobColumns,
		millis(now), millis(now), millis(now), millis(now.Add(-s.opts.lease())), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	jobs, err := collectSQLiteJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	sortClaimed(jobs)
	return jobs, nil
}

func (s *SQLite) ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pin_jobs SET status = 'processing', locked_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'rendered')
			AND (locked_at IS NULL OR locked_at <= ?)
		RETURNING `+jobColumns,
		millis(now), millis(now), id, millis(now.Add(-s.opts.lease())))
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id, "claim")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLite) MarkSucceeded(ctx context.Context, id string, pub models.Published, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs
		SET status = 'posted', external_post_id = ?, external_post_url = ?,
			published_at = COALESCE(published_at, ?), locked_at = NULL, publish_error = '', updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, pub.ExternalID, pub.ExternalURL, millis(now), millis(now), id)
	if err != nil {
		return fmt.Errorf("mark succeeded %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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

func (s *SQLite) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs
		SET status = 'failed', attempts = attempts + 1, publish_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, reason, millis(now), id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, id, "mark failed")
	}
	return nil
}

func (s *SQLite) RecordAttemptFailure(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs
		SET attempts = attempts + 1, publish_error = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, reason, millis(now), millis(now), id)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, id, "record attempt")
	}
	return nil
}

func (s *SQLite) ResetForRetry(ctx context.Context, id string, opts ResetOptions) (models.Job, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE pin_jobs
		SET status = `+readyStatusSQL+`, publish_error = '', attempts = 0, locked_at = NULL,
			scheduled_at = COALESCE(?, scheduled_at), updated_at = ?
		WHERE id = ? AND status <> 'posted'
			AND NOT (status = 'processing' AND locked_at IS NOT NULL AND locked_at > ?)
		RETURNING `+jobColumns,
		nullMillis(opts.RescheduleAt), millis(now), id, millis(now.Add(-s.opts.lease())))
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id, "reset")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("reset job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLite) Release(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, millis(now))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, locked_at = NULL, updated_at = ?
		WHERE status = 'processing' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("release jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) ReleaseExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, locked_at = NULL, updated_at = ?
		WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at <= ?
	`, millis(time.Now()), millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) PromoteScheduled(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs SET status = `+readyStatusSQL+`, updated_at = ?
		WHERE status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= ?)
	`, millis(now), millis(now))
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pin_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM pin_jobs`
	args := []any{}
	if f.Status != "" {
		q += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectSQLiteJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, p models.JobPatch) (models.Job, error) {
	var clicks, impressions, saves *int64
	if p.UTMStats != nil {
		clicks, impressions, saves = &p.UTMStats.Clicks, &p.UTMStats.Impressions, &p.UTMStats.Saves
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE pin_jobs SET
			pin_title = COALESCE(?, pin_title),
			pin_description = COALESCE(?, pin_description),
			board_slug = COALESCE(?, board_slug),
			destination_url = COALESCE(?, destination_url),
			image_path = COALESCE(?, image_path),
			scheduled_at = COALESCE(?, scheduled_at),
			utm_clicks = COALESCE(?, utm_clicks),
			utm_impressions = COALESCE(?, utm_impressions),
			utm_saves = COALESCE(?, utm_saves),
			updated_at = ?
		WHERE id = ?
		RETURNING `+jobColumns,
		p.PinTitle, p.PinDescription, p.BoardSlug, p.DestinationURL, p.ImagePath, nullMillis(p.ScheduledAt),
		clicks, impressions, saves, millis(time.Now()), id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pin_jobs
		WHERE id = ? AND NOT (status = 'processing' AND locked_at IS NOT NULL AND locked_at > ?)
	`, id, millis(time.Now().Add(-s.opts.lease())))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, id, "delete")
	}
	return nil
}

func (s *SQLite) Stats(ctx context.Context) (models.QueueStats, error) {
	var st models.QueueStats
	if err := s.db.QueryRowContext(ctx, statsQuery).Scan(&st.TotalPins, &st.Published, &st.Scheduled,
		&st.Errors, &st.TotalClicks, &st.TotalImpressions); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func (s *SQLite) ListBoards(ctx context.Context) ([]models.BoardMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+boardColumns+` FROM pinterest_board_map ORDER BY board_slug`)
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

func (s *SQLite) CreateBoard(ctx context.Context, b models.BoardMapping) (models.BoardMapping, error) {
	b.Normalize()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pinterest_board_map (id, cuisine_key, board_slug, board_name, pinterest_board_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.CuisineKey, b.BoardSlug, b.BoardName, b.PinterestBoardID, b.IsActive)
	if isSQLiteConstraint(err) {
		return models.BoardMapping{}, fmt.Errorf("board %s exists: %w", b.BoardSlug, apperr.ErrConflict)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("insert board: %w", err)
	}
	return b, nil
}

func (s *SQLite) UpdateBoard(ctx context.Context, id string, p models.BoardPatch) (models.BoardMapping, error) {
	p.Normalize()
	b, err := scanBoard(s.db.QueryRowContext(ctx, `
		UPDATE pinterest_board_map SET
			cuisine_key = COALESCE(?, cuisine_key),
			board_name = COALESCE(?, board_name),
			pinterest_board_id = COALESCE(?, pinterest_board_id),
			is_active = COALESCE(?, is_active)
		WHERE id = ?
		RETURNING `+boardColumns,
		p.CuisineKey, p.BoardName, p.PinterestBoardID, p.IsActive, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BoardMapping{}, fmt.Errorf("board %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("update board %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLite) FindActiveBoard(ctx context.Context, key string) (models.BoardMapping, error) {
	key = models.NormalizeBoardKey(key)
	b, err := scanBoard(s.db.QueryRowContext(ctx, `
		SELECT `+boardColumns+` FROM pinterest_board_map
		WHERE is_active = 1 AND (lower(board_slug) = ? OR lower(cuisine_key) = ?)
		ORDER BY CASE WHEN lower(board_slug) = ? THEN 0 ELSE 1 END, board_slug
		LIMIT 1
	`, key, key, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BoardMapping{}, fmt.Errorf("board %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("find board: %w", err)
	}
	return b, nil
}

func (s *SQLite) GetCredential(ctx context.Context, label string) (models.Credential, error) {
	var c models.Credential
	var expires sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT account_label, access_token, refresh_token, expires_at, scope, updated_at
		FROM pinterest_oauth WHERE account_label = ?
	`, label).Scan(&c.AccountLabel, &c.AccessToken, &c.RefreshToken, &expires, &c.Scope, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential %s: %w", label, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	c.ExpiresAt = fromNullMillis(expires)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func (s *SQLite) SaveCredential(ctx context.Context, c models.Credential) error {
	if c.AccountLabel == "" {
		c.AccountLabel = models.DefaultAccountLabel
	}
	now := millis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pinterest_oauth (account_label, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_label) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`, c.AccountLabel, c.AccessToken, c.RefreshToken, nullMillis(c.ExpiresAt), c.Scope, now)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *SQLite) ListRecipes(ctx context.Context) ([]models.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipeColumns+` FROM recipes ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()
	var out []models.Recipe
	for rows.Next() {
		r, err := scanSQLiteRecipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) GetRecipe(ctx context.Context, id string) (models.Recipe, error) {
	r, err := scanSQLiteRecipe(s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Recipe{}, fmt.Errorf("recipe %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Recipe{}, err
	}
	return r, nil
}

func (s *SQLite) CreateRecipe(ctx context.Context, r models.Recipe) (models.Recipe, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Badges == nil {
		r.Badges = []string{}
	}
	badges, err := json.Marshal(r.Badges)
	if err != nil {
		return models.Recipe{}, fmt.Errorf("marshal badges: %w", err)
	}
	r.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipes (id, title, cuisine_type, badges, image_url, ingredients_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Title, r.CuisineType, string(badges), r.ImageURL, r.IngredientsCount, millis(r.CreatedAt))
	if isSQLiteConstraint(err) {
		return models.Recipe{}, fmt.Errorf("recipe %s exists: %w", r.ID, apperr.ErrConflict)
	}
	if err != nil {
		return models.Recipe{}, fmt.Errorf("insert recipe: %w", err)
	}
	return r, nil
}

func (s *SQLite) GetSettings(ctx context.Context) (models.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st := defaultSettings()
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return st, nil
}

func (s *SQLite) SaveSettings(ctx context.Context, st models.Settings) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, settingsKey, string(raw), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *SQLite) status(ctx context.Context, id string) (models.Status, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM pin_jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("job status %s: %w", id, err)
	}
	return models.ParseStatus(raw)
}

func (s *SQLite) missOrConflict(ctx context.Context, id, op string) error {
	status, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s in state %s: %w", op, id, status, apperr.ErrConflict)
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var locked, scheduled, published sql.NullInt64
	var created, updated int64
	err := row.Scan(&job.ID, &job.RecipeID, &job.RecipeTitle, &job.Platform, &status,
		&job.PinTitle, &job.PinDescription, &job.BoardSlug, &job.DestinationURL, &job.ImagePath,
		&job.Asset9x16Path, &job.Asset4x5Path, &job.ExternalPostID, &job.ExternalPostURL, &job.PublishError,
		&job.Attempts, &locked, &scheduled, &published,
		&job.UTMStats.Clicks, &job.UTMStats.Impressions, &job.UTMStats.Saves,
		&created, &updated)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status, err = models.ParseStatus(status); err != nil {
		return models.Job{}, err
	}
	job.LockedAt = fromNullMillis(locked)
	job.ScheduledAt = fromNullMillis(scheduled)
	job.PublishedAt = fromNullMillis(published)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	return job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanSQLiteRecipe(row rowScanner) (models.Recipe, error) {
	var r models.Recipe
	var badges string
	var created int64
	if err := row.Scan(&r.ID, &r.Title, &r.CuisineType, &badges, &r.ImageURL, &r.IngredientsCount, &created); err != nil {
		return models.Recipe{}, err
	}
	if err := json.Unmarshal([]byte(badges), &r.Badges); err != nil {
		return models.Recipe{}, fmt.Errorf("unmarshal badges: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	return r, nil
}

func isSQLiteConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
