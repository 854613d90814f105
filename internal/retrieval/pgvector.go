package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// Compile-time check that PGVectorStore implements VectorStore.
var _ VectorStore = (*PGVectorStore)(nil)

const pgTable = "docqa_chunk_vectors"

// PGVectorStore is the persisted backend on PostgreSQL with the pgvector
// extension. Similarity is computed by the engine with the cosine distance
// operator and filters are pushed into the WHERE clause.
type PGVectorStore struct {
	db  *sql.DB
	dim int
}

// OpenPGVector connects with the pgx driver and prepares the schema.
func OpenPGVector(ctx context.Context, dsn string, dim int) (*PGVectorStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := NewPGVectorStore(db, dim)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGVectorStore wraps an existing connection pool.
func NewPGVectorStore(db *sql.DB, dim int) *PGVectorStore {
	return &PGVectorStore{db: db, dim: dim}
}

func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the vector table if needed and verifies that an
// existing table was created for the configured dimension.
func (s *PGVectorStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ` + pgTable + ` (
			chunk_id    TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			owner_id    TEXT NOT NULL,
			ordinal     INTEGER NOT NULL,
			embedding   vector(` + strconv.Itoa(s.dim) + `) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgTable + `_document_idx ON ` + pgTable + ` (document_id, owner_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("preparing pgvector schema: %w", err)
		}
	}

	// pgvector stores the declared dimension as the column's type modifier.
	var typmod int
	err := s.db.QueryRowContext(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		pgTable).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("reading pgvector dimension: %w", err)
	}
	if typmod != s.dim {
		return fmt.Errorf("%w: %s.embedding is vector(%d), configured %d", ragerr.ErrDimensionMismatch, pgTable, typmod, s.dim)
	}
	return nil
}

const pgUpsert = `
	INSERT INTO ` + pgTable + ` (chunk_id, document_id, owner_id, ordinal, embedding)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		owner_id = EXCLUDED.owner_id,
		ordinal = EXCLUDED.ordinal,
		embedding = EXCLUDED.embedding`

func (s *PGVectorStore) Upsert(ctx context.Context, chunkID string, vec []float32, meta Metadata) error {
	if err := checkVector(vec, s.dim); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, pgUpsert,
		chunkID, meta.DocumentID, meta.OwnerID, meta.Ordinal, pgvector.NewVector(vec))
	if err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "upsert", meta.DocumentID, ragerr.FromContext(err))
	}
	return nil
}

func (s *PGVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+pgTable+` WHERE document_id = $1`, documentID); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "delete", documentID, ragerr.FromContext(err))
	}
	return nil
}

func (s *PGVectorStore) Delete(ctx context.Context, chunkIDs []string) error {
	err := deleteChunkVectors(ctx, s.db, `DELETE FROM `+pgTable+` WHERE chunk_id IN `,
		func(n int) string { return "$" + strconv.Itoa(n) }, chunkIDs)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "delete", "", ragerr.FromContext(err))
	}
	return nil
}

func (s *PGVectorStore) Search(ctx context.Context, vec []float32, k int, f Filter) ([]Hit, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := checkVector(vec, s.dim); err != nil {
		return nil, err
	}

	args := []any{pgvector.NewVector(vec)}
	var where []string
	if f.DocumentID != "" {
		args = append(args, f.DocumentID)
		where = append(where, "document_id = $"+strconv.Itoa(len(args)))
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, "owner_id = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT chunk_id, document_id, ordinal, 1 - (embedding <=> $1) AS score FROM ` + pgTable
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, k)
	query += ` ORDER BY score DESC, ordinal ASC, chunk_id ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrIndex, "search", f.DocumentID, ragerr.FromContext(err))
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Ordinal, &h.Score); err != nil {
			return nil, ragerr.Wrap(ragerr.ErrIndex, "search", f.DocumentID, err)
		}
		// Cosine distance involving a zero vector is NaN in pgvector.
		if math.IsNaN(h.Score) {
			h.Score = 0
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrIndex, "search", f.DocumentID, ragerr.FromContext(err))
	}
	return hits, nil
}

// ReplaceAll swaps the whole index for entries in one transaction. DELETE
// is used rather than TRUNCATE so readers keep seeing the old rows until
// the commit.
func (s *PGVectorStore) ReplaceAll(ctx context.Context, entries []storage.IndexEntry) error {
	for _, e := range entries {
		if err := checkVector(e.Embedding, s.dim); err != nil {
			return ragerr.Wrap(ragerr.ErrIndex, "rebuild", e.DocumentID, fmt.Errorf("chunk %s: %w", e.ChunkID, err))
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+pgTable); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, pgUpsert,
			e.ChunkID, e.DocumentID, e.OwnerID, e.Ordinal, pgvector.NewVector(e.Embedding)); err != nil {
			return ragerr.Wrap(ragerr.ErrIndex, "rebuild", e.DocumentID, ragerr.FromContext(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+pgTable).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
