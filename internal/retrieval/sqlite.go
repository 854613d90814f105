package retrieval

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"modernc.org/sqlite"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

func init() {
	// Registered before any connection is opened, so every connection in the
	// process can evaluate vec_cosine.
	sqlite.MustRegisterDeterministicScalarFunction("vec_cosine", 2, vecCosine)
}

// vecCosine is the SQL function vec_cosine(a, b) over little-endian float32
// blobs. It returns NULL when either argument is NULL and 0 for vectors of
// different length.
func vecCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok1 := args[0].([]byte)
	b, ok2 := args[1].([]byte)
	if !ok1 || !ok2 {
		return nil, nil
	}
	av, err := storage.DecodeFloat32s(a)
	if err != nil {
		return nil, fmt.Errorf("vec_cosine: %w", err)
	}
	bv, err := storage.DecodeFloat32s(b)
	if err != nil {
		return nil, fmt.Errorf("vec_cosine: %w", err)
	}
	return cosine(av, bv, norm(av)), nil
}

// SQLiteStore is the persisted backend on SQLite. Vectors live in the
// chunk_vectors table next to the relational record, and scoring, filtering
// and ordering run inside the engine through vec_cosine.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The chunk_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB, dim int) *SQLiteStore {
	return &SQLiteStore{db: db, dim: dim}
}

const sqliteUpsert = `
	INSERT INTO chunk_vectors (chunk_id, document_id, owner_id, ordinal, embedding)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_id = excluded.document_id,
		owner_id = excluded.owner_id,
		ordinal = excluded.ordinal,
		embedding = excluded.embedding`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// deleteBatch caps the ids bound into one DELETE.
const deleteBatch = 500

// deleteChunkVectors runs prefix followed by a parenthesised placeholder
// list for each batch of chunkIDs.
func deleteChunkVectors(ctx context.Context, db execer, prefix string, placeholder func(n int) string, chunkIDs []string) error {
	for len(chunkIDs) > 0 {
		n := min(len(chunkIDs), deleteBatch)
		marks := make([]string, n)
		args := make([]any, n)
		for i, id := range chunkIDs[:n] {
			marks[i] = placeholder(i + 1)
			args[i] = id
		}
		if _, err := db.ExecContext(ctx, prefix+"("+strings.Join(marks, ", ")+")", args...); err != nil {
			return err
		}
		chunkIDs = chunkIDs[n:]
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, chunkID string, vec []float32, meta Metadata) error {
	if err := checkVector(vec, s.dim); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		chunkID, meta.DocumentID, meta.OwnerID, meta.Ordinal, storage.EncodeFloat32s(vec))
	if err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "upsert", meta.DocumentID, ragerr.FromContext(err))
	}
	return nil
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = ?`, documentID); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "delete", documentID, ragerr.FromContext(err))
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, chunkIDs []string) error {
	if err := deleteChunkVectors(ctx, s.db, `DELETE FROM chunk_vectors WHERE chunk_id IN `,
		func(int) string { return "?" }, chunkIDs); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "delete", "", ragerr.FromContext(err))
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, vec []float32, k int, f Filter) ([]Hit, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := checkVector(vec, s.dim); err != nil {
		return nil, err
	}

	var where []string
	args := []any{storage.EncodeFloat32s(vec)}
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	query := `SELECT chunk_id, document_id, ordinal, vec_cosine(embedding, ?) AS score FROM chunk_vectors`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY score DESC, ordinal ASC, chunk_id ASC LIMIT ?`
	args = append(args, k)

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
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrIndex, "search", f.DocumentID, ragerr.FromContext(err))
	}
	return hits, nil
}

// ReplaceAll swaps the whole index for entries in one transaction, so a
// concurrent search sees either the old vectors or the new ones.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, entries []storage.IndexEntry) error {
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors`); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, sqliteUpsert,
			e.ChunkID, e.DocumentID, e.OwnerID, e.Ordinal, storage.EncodeFloat32s(e.Embedding)); err != nil {
			return ragerr.Wrap(ragerr.ErrIndex, "rebuild", e.DocumentID, ragerr.FromContext(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors`).Scan(&n)
	return n, err
}
