// Package statestore is the durable index of persistent sandboxes. The
// backing engine is a single SQLite file under the user's config
// directory; writes are atomic at the row level. Unlike the .env mirror,
// this store is the source of truth for state restoration.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/safespace-sh/safespace/errdefs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one stored sandbox.
type Record struct {
	ID           string
	Name         string
	RootDir      string
	CreatedAt    string
	LastAccessed string
	State        json.RawMessage
	Metadata     json.RawMessage
}

// Summary is the listing projection, ordered by recency.
type Summary struct {
	ID           string
	Name         string
	RootDir      string
	CreatedAt    string
	LastAccessed string
}

// Store wraps the SQLite environments index.
type Store struct {
	db *sql.DB

	now func() time.Time
}

// DefaultPath returns ~/.config/safespace/environments.db.
func DefaultPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(cfgDir, "safespace", "environments.db"), nil
}

// Open opens (and migrates) the store at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %v", errdefs.ErrStateStore, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", errdefs.ErrStateStore, err)
	}

	// WAL mode for concurrent readers alongside the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %v", errdefs.ErrStateStore, err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: load migrations: %v", errdefs.ErrStateStore, err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("%w: migration driver: %v", errdefs.ErrStateStore, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: init migrations: %v", errdefs.ErrStateStore, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply migrations: %v", errdefs.ErrStateStore, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a sandbox record and stamps last_accessed. The name's
// uniqueness is enforced by the schema; saving a second sandbox under an
// existing name fails.
func (s *Store) Save(ctx context.Context, id, name, rootDir string, state, metadata any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", errdefs.ErrStateStore, err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", errdefs.ErrStateStore, err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments (id, name, root_dir, created_at, last_accessed, state, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_dir = excluded.root_dir,
			last_accessed = excluded.last_accessed,
			state = excluded.state,
			metadata = excluded.metadata`,
		id, nullable(name), rootDir, nowStr, nowStr, string(stateJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("%w: save environment %s: %v", errdefs.ErrStateStore, id, err)
	}
	return nil
}

// Get returns the record for id, updating last_accessed.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return s.get(ctx, "id = ?", id)
}

// GetByName returns the record for name, updating last_accessed.
func (s *Store) GetByName(ctx context.Context, name string) (*Record, error) {
	return s.get(ctx, "name = ?", name)
}

func (s *Store) get(ctx context.Context, where string, arg any) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, root_dir, created_at, last_accessed, state, metadata FROM environments WHERE "+where, arg)

	var rec Record
	var name sql.NullString
	var state, metadata string
	err := row.Scan(&rec.ID, &name, &rec.RootDir, &rec.CreatedAt, &rec.LastAccessed, &state, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: environment %v", errdefs.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load environment: %v", errdefs.ErrStateStore, err)
	}
	rec.Name = name.String
	rec.State = json.RawMessage(state)
	rec.Metadata = json.RawMessage(metadata)

	nowStr := s.now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		"UPDATE environments SET last_accessed = ? WHERE id = ?", nowStr, rec.ID); err != nil {
		return nil, fmt.Errorf("%w: touch environment %s: %v", errdefs.ErrStateStore, rec.ID, err)
	}
	rec.LastAccessed = nowStr
	return &rec, nil
}

// List returns all stored sandboxes, most recently accessed first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, root_dir, created_at, last_accessed
		FROM environments
		ORDER BY last_accessed DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list environments: %v", errdefs.ErrStateStore, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var name sql.NullString
		if err := rows.Scan(&sum.ID, &name, &sum.RootDir, &sum.CreatedAt, &sum.LastAccessed); err != nil {
			return nil, fmt.Errorf("%w: scan environment: %v", errdefs.ErrStateStore, err)
		}
		sum.Name = name.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes the record for id. Returns whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM environments WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("%w: delete environment %s: %v", errdefs.ErrStateStore, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete environment %s: %v", errdefs.ErrStateStore, id, err)
	}
	return n > 0, nil
}

// PurgeOld removes records whose last_accessed is older than the given
// number of days. Returns the number purged.
func (s *Store) PurgeOld(ctx context.Context, days int) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, "DELETE FROM environments WHERE last_accessed < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purge old environments: %v", errdefs.ErrStateStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: purge old environments: %v", errdefs.ErrStateStore, err)
	}
	return int(n), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
