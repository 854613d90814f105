package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, owner_id, filename, content_type, content_hash, status, failure_reason, chunk_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var status, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.ContentHash,
		&status, &d.FailureReason, &d.ChunkCount, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	d.Status = Status(status)
	var err error
	if d.CreatedAt, err = parseTime("created_at", d.ID, createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", d.ID, updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// CreateDocument inserts a new document with its raw content. A document
// with the same owner and content hash already present yields ErrConflict.
func (s *Store) CreateDocument(ctx context.Context, d Document, raw []byte) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, filename, content_type, content_hash, raw, status, failure_reason, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		d.ID, d.OwnerID, d.Filename, d.ContentType, d.ContentHash, raw, string(d.Status), d.FailureReason,
		formatTime(d.CreatedAt), formatTime(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s: %w", d.ID, ErrConflict)
	}
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// FindDocumentByHash returns the owner's document with the given content hash.
func (s *Store) FindDocumentByHash(ctx context.Context, ownerID, hash string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? AND content_hash = ?`, ownerID, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// DocumentContent returns the raw bytes and declared content type stored
// for a document.
func (s *Store) DocumentContent(ctx context.Context, id string) ([]byte, string, error) {
	var raw []byte
	var contentType string
	err := s.db.QueryRowContext(ctx, `SELECT raw, content_type FROM documents WHERE id = ?`, id).Scan(&raw, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	return raw, contentType, err
}

// ListDocuments returns the owner's documents in upload order.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? ORDER BY created_at ASC, rowid ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountByStatus returns the number of documents in each lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// TransitionStatus moves a document from one state to the next. It fails
// with ErrStatusChanged when the document is not in the from state, which
// happens when a concurrent re-ingestion or deletion won the race.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, from)
}

// MarkReady completes the lifecycle of a document in the indexing state.
func (s *Store) MarkReady(ctx context.Context, id string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusReady), chunkCount, formatTime(time.Now()), id, string(StatusIndexing))
	if err != nil {
		return fmt.Errorf("marking %s ready: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, StatusIndexing)
}

// FailDocument records a failure reason on a document that is still in the
// from state. A run that lost the document to a reset or delete gets
// ErrStatusChanged or ErrNotFound and records nothing.
func (s *Store) FailDocument(ctx context.Context, id string, from Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, failure_reason = ?, chunk_count = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed), reason, formatTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failing document %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, from)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string, from Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	d, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s is %s, expected %s: %w", id, d.Status, from, ErrStatusChanged)
}

// ResetDocument replaces a document's content and returns it to the
// uploaded state, removing all of its chunks in the same transaction.
func (s *Store) ResetDocument(ctx context.Context, id, filename, contentType, hash string, raw []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}

	var res sql.Result
	if raw == nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE documents SET status = ?, failure_reason = '', chunk_count = 0, updated_at = ?
			WHERE id = ?`,
			string(StatusUploaded), formatTime(time.Now()), id)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE documents SET filename = ?, content_type = ?, content_hash = ?, raw = ?,
				status = ?, failure_reason = '', chunk_count = 0, updated_at = ?
			WHERE id = ?`,
			filename, contentType, hash, raw, string(StatusUploaded), formatTime(time.Now()), id)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s: %w", id, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("resetting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ResetInterrupted returns every document left mid-pipeline by a crash to
// the uploaded state, dropping its partial chunks. It returns the ids reset.
func (s *Store) ResetInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE status IN (?, ?, ?, ?)`,
		string(StatusParsing), string(StatusChunking), string(StatusEmbedding), string(StatusIndexing))
	if err != nil {
		return nil, fmt.Errorf("listing interrupted documents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.ResetDocument(ctx, id, "", "", "", nil); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteDocument removes a document, its chunks and any job still waiting
// to ingest it.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE document_id = ? AND status = 'pending'`, id); err != nil {
		return fmt.Errorf("deleting queued jobs of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- Chunks ---

// ReplaceChunks atomically swaps a document's chunk set for chunks. Either
// every chunk is written or none is. The document must be indexing when the
// transaction runs; a run that was superseded gets ErrStatusChanged and
// writes nothing.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at = ? WHERE id = ? AND status = ?`,
		formatTime(time.Now()), documentID, string(StatusIndexing))
	if err != nil {
		return fmt.Errorf("claiming %s for indexing: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, documentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading status of %s: %w", documentID, err)
		}
		return fmt.Errorf("document %s is %s, expected %s: %w", documentID, status, StatusIndexing, ErrStatusChanged)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, text, token_count, content_hash, char_start, char_end, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, documentID)
		}
		var blob []byte
		if c.Embedding != nil {
			blob = EncodeFloat32s(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, documentID, c.Ordinal, c.Text, c.TokenCount,
			c.ContentHash, c.CharStart, c.CharEnd, blob); err != nil {
			return fmt.Errorf("inserting chunk %d of %s: %w", c.Ordinal, documentID, err)
		}
	}

	return tx.Commit()
}

// DeleteChunks removes the named chunks. Chunks written since by another
// run are left alone.
func (s *Store) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	ids, err := json.Marshal(chunkIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (SELECT value FROM json_each(?))`, string(ids))
	if err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

const chunkColumns = `id, document_id, ordinal, text, token_count, content_hash, char_start, char_end, embedding`

func scanChunk(row rowScanner) (Chunk, error) {
	var c Chunk
	var blob []byte
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount,
		&c.ContentHash, &c.CharStart, &c.CharEnd, &blob); err != nil {
		return Chunk{}, err
	}
	if blob != nil {
		v, err := DecodeFloat32s(blob)
		if err != nil {
			return Chunk{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = v
	}
	return c, nil
}

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	defer rows.Close()
	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListChunks returns a document's chunks ordered by ordinal.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY ordinal ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	return collectChunks(rows)
}

// GetChunks returns the chunks with the given IDs in no particular order.
// Unknown IDs are skipped.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	return collectChunks(rows)
}

// IndexEntries returns the embedded chunks of documents that have reached
// indexing, for rebuilding a similarity index. An empty documentID selects
// every document.
func (s *Store) IndexEntries(ctx context.Context, documentID string) ([]IndexEntry, error) {
	query := `SELECT c.id, c.document_id, d.owner_id, c.ordinal, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL AND d.status IN (?, ?)`
	args := []any{string(StatusIndexing), string(StatusReady)}
	if documentID != "" {
		query += ` AND c.document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY c.document_id, c.ordinal`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying index entries: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var blob []byte
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.OwnerID, &e.Ordinal, &blob); err != nil {
			return nil, fmt.Errorf("scanning index entry: %w", err)
		}
		if e.Embedding, err = DecodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", e.ChunkID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
