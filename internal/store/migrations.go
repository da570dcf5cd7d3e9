package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

type migration struct {
	name string
	sql  string
}

// loadMigrations returns the non-empty scripts under migrations/<dialect> in name order.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		out = append(out, migration{name: e.Name(), sql: sql})
	}
	return out, nil
}

// RunMigrations executes the embedded SQL migrations in order. Scripts are
// idempotent so the binaries run them on every start.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range scripts {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *SQLite) RunMigrations(ctx context.Context) error {
	scripts, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range scripts {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return s.foldLegacyErrorColumn(ctx)
}

// foldLegacyErrorColumn merges error_message into publish_error on databases
// created by older dashboards. SQLite has no conditional DDL, so it lives here.
func (s *SQLite) foldLegacyErrorColumn(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('pin_jobs') WHERE name = 'error_message'`).Scan(&n); err != nil {
		return fmt.Errorf("inspect pin_jobs: %w", err)
	}
	if n == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE pin_jobs SET publish_error = COALESCE(error_message, '')
		WHERE publish_error = '' AND error_message IS NOT NULL
	`); err != nil {
		return fmt.Errorf("fold error_message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE pin_jobs DROP COLUMN error_message`); err != nil {
		return fmt.Errorf("drop error_message: %w", err)
	}
	return nil
}
