package storage

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/docqa/internal/ragerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pragmas ride on the DSN so every pooled connection gets them.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// Store is the system of record: documents, chunks, the sqlite vector
// table and the ingestion queue, all in one SQLite file.
type Store struct {
	db *sql.DB
}

func dsnFor(dataDir string) (string, error) {
	file := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		file = filepath.Join(dataDir, "docqa.db")
	}
	q := make([]string, len(connPragmas))
	for i, p := range connPragmas {
		q[i] = "_pragma=" + p
	}
	return file + "?" + strings.Join(q, "&"), nil
}

// Open opens or creates docqa.db under dataDir and brings its schema up to
// date. ":memory:" gives a private in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn, err := dsnFor(dataDir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database from splitting into several.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB is shared with the sqlite vector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

type migration struct {
	version int
	name    string
}

// loadMigrations lists the embedded NNN_name.sql files in version order.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		var v int
		if _, err := fmt.Sscanf(path.Base(name), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration %s has no version prefix: %w", name, err)
		}
		out = append(out, migration{version: v, name: name})
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].version)
		}
	}
	return out, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}
	pending, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if slices.Contains(applied, m.version) {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *Store) apply(ctx context.Context, m migration) error {
	body, err := migrationsFS.ReadFile(m.name)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

func (s *Store) appliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AppliedMigrations returns the applied schema versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	return s.appliedMigrations(context.Background())
}

// CheckEmbeddingDimension fails when a stored chunk embedding has a
// dimension other than dim. Changing the configured dimension under
// existing data cannot be repaired silently.
func (s *Store) CheckEmbeddingDimension(ctx context.Context, dim int) error {
	var (
		id   string
		size int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, length(embedding) FROM chunks WHERE embedding IS NOT NULL AND length(embedding) != ? LIMIT 1`,
		dim*4,
	).Scan(&id, &size)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("checking embedding dimension: %w", err)
	}
	return fmt.Errorf("%w: chunk %s stores %d dimensions, configured %d", ragerr.ErrDimensionMismatch, id, size/4, dim)
}

// Timestamps are stored as RFC 3339 text in UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, id, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s for %s: %w", field, id, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
