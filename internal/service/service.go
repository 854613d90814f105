// Package service is the caller-facing facade over ingestion, the document
// record, and question answering. Transports (HTTP, MCP, CLI) talk to it and
// nothing else.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// Asker answers a question about one document.
type Asker interface {
	Answer(ctx context.Context, question, documentID, ownerID string) (qa.Answer, error)
}

// Deps wires a Service. Index is the single active vector store. Queued,
// when set, is called after each enqueue to wake the workers.
type Deps struct {
	Store    *storage.Store
	Index    retrieval.VectorStore
	Answerer Asker
	Queued   func()
}

type Service struct {
	store    *storage.Store
	index    retrieval.VectorStore
	answerer Asker
	queued   func()
	logger   *slog.Logger
}

func New(deps Deps) *Service {
	return &Service{
		store:    deps.Store,
		index:    deps.Index,
		answerer: deps.Answerer,
		queued:   deps.Queued,
		logger:   slog.Default(),
	}
}

// IngestResult reports where an upload landed.
type IngestResult struct {
	DocumentID string         `json:"document_id"`
	Status     storage.Status `json:"status"`
	Duplicate  bool           `json:"duplicate"`
}

// DocumentSummary is the listing view of a document.
type DocumentSummary struct {
	DocumentID string         `json:"document_id"`
	Filename   string         `json:"filename"`
	Status     storage.Status `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Stats summarises the record, the ingestion queue and the active index.
type Stats struct {
	Documents map[storage.Status]int `json:"documents"`
	Queued    int                    `json:"queued"`
	Vectors   int                    `json:"vectors"`
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Ingest stores a new upload and queues it for processing. Identical content
// from the same owner returns the existing document, unless that document
// failed, in which case it is reset and queued again.
func (s *Service) Ingest(ctx context.Context, ownerID, filename, contentType string, content []byte) (IngestResult, error) {
	if ownerID == "" {
		return IngestResult{}, ragerr.Wrap(ragerr.ErrInvalidInput, "ingest", "", errors.New("owner is required"))
	}
	if len(content) == 0 {
		return IngestResult{}, ragerr.Wrap(ragerr.ErrInvalidInput, "ingest", "", errors.New("empty document"))
	}
	ct := ingest.DetectContentType(contentType, filename, content)
	hash := contentHash(content)

	existing, err := s.store.FindDocumentByHash(ctx, ownerID, hash)
	switch {
	case err == nil:
		return s.ingestExisting(ctx, existing, filename, ct, hash, content)
	case !errors.Is(err, storage.ErrNotFound):
		return IngestResult{}, fmt.Errorf("looking up document hash: %w", err)
	}

	doc := storage.Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: ct,
		ContentHash: hash,
		Status:      storage.StatusUploaded,
	}
	err = s.store.CreateDocument(ctx, doc, content)
	if errors.Is(err, storage.ErrConflict) {
		// A concurrent upload of the same bytes won.
		existing, ferr := s.store.FindDocumentByHash(ctx, ownerID, hash)
		if ferr != nil {
			return IngestResult{}, fmt.Errorf("looking up document hash: %w", ferr)
		}
		return IngestResult{DocumentID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("creating document: %w", err)
	}
	if err := s.enqueue(ctx, doc.ID); err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("document uploaded", "document_id", doc.ID, "owner_id", ownerID, "content_type", ct, "bytes", len(content))
	return IngestResult{DocumentID: doc.ID, Status: storage.StatusUploaded}, nil
}

func (s *Service) ingestExisting(ctx context.Context, doc storage.Document, filename, ct, hash string, content []byte) (IngestResult, error) {
	if doc.Status != storage.StatusFailed {
		s.logger.Debug("duplicate upload", "document_id", doc.ID, "status", doc.Status)
		return IngestResult{DocumentID: doc.ID, Status: doc.Status, Duplicate: true}, nil
	}
	if err := s.reset(ctx, doc.ID, filename, ct, hash, content); err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("retrying failed document", "document_id", doc.ID, "previous_reason", doc.FailureReason)
	return IngestResult{DocumentID: doc.ID, Status: storage.StatusUploaded}, nil
}

// Reingest replaces a document's content. Content identical to what is
// stored is a no-op; otherwise the old chunks and vectors are dropped and
// the document is processed again under the same id.
func (s *Service) Reingest(ctx context.Context, ownerID, documentID, filename, contentType string, content []byte) (IngestResult, error) {
	doc, err := s.ownedDocument(ctx, ownerID, documentID, "reingest")
	if err != nil {
		return IngestResult{}, err
	}
	if len(content) == 0 {
		return IngestResult{}, ragerr.Wrap(ragerr.ErrInvalidInput, "reingest", documentID, errors.New("empty document"))
	}
	hash := contentHash(content)
	if hash == doc.ContentHash {
		return IngestResult{DocumentID: doc.ID, Status: doc.Status, Duplicate: true}, nil
	}
	if filename == "" {
		filename = doc.Filename
	}
	ct := ingest.DetectContentType(contentType, filename, content)
	if err := s.reset(ctx, doc.ID, filename, ct, hash, content); err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("document content replaced", "document_id", doc.ID, "bytes", len(content))
	return IngestResult{DocumentID: doc.ID, Status: storage.StatusUploaded}, nil
}

// reset stores new content, drops the document's chunks and vectors and
// queues it.
func (s *Service) reset(ctx context.Context, id, filename, ct, hash string, content []byte) error {
	err := s.store.ResetDocument(ctx, id, filename, ct, hash, content)
	if errors.Is(err, storage.ErrConflict) {
		return ragerr.Wrap(ragerr.ErrInvalidInput, "reingest", id, errors.New("identical content already uploaded as another document"))
	}
	if err != nil {
		return fmt.Errorf("resetting document %s: %w", id, err)
	}
	if err := s.index.DeleteByDocument(ctx, id); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "reingest", id, ragerr.FromContext(err))
	}
	return s.enqueue(ctx, id)
}

func (s *Service) enqueue(ctx context.Context, id string) error {
	jobID, err := s.store.EnqueueIngest(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Debug("document queued", "document_id", id, "job_id", jobID)
	if s.queued != nil {
		s.queued()
	}
	return nil
}

// ListDocuments returns the owner's documents in upload order.
func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]DocumentSummary, error) {
	docs, err := s.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentSummary, len(docs))
	for i, d := range docs {
		out[i] = DocumentSummary{DocumentID: d.ID, Filename: d.Filename, Status: d.Status, CreatedAt: d.CreatedAt}
	}
	return out, nil
}

// GetDocument returns a document owned by ownerID. Someone else's document
// is reported as not found.
func (s *Service) GetDocument(ctx context.Context, ownerID, documentID string) (storage.Document, error) {
	return s.ownedDocument(ctx, ownerID, documentID, "get")
}

func (s *Service) ownedDocument(ctx context.Context, ownerID, documentID, stage string) (storage.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.OwnerID != ownerID) {
		return storage.Document{}, ragerr.Wrap(ragerr.ErrNotFound, stage, documentID, errors.New("no such document"))
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("loading document %s: %w", documentID, err)
	}
	return doc, nil
}

// DeleteDocument removes a document's vectors, then its rows.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	if _, err := s.ownedDocument(ctx, ownerID, documentID, "delete"); err != nil {
		return err
	}
	if err := s.index.DeleteByDocument(ctx, documentID); err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "delete", documentID, ragerr.FromContext(err))
	}
	err := s.store.DeleteDocument(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ragerr.Wrap(ragerr.ErrNotFound, "delete", documentID, err)
	}
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	// A lazy index load racing the delete may have re-added entries.
	if err := s.index.DeleteByDocument(context.WithoutCancel(ctx), documentID); err != nil {
		s.logger.Warn("purging vectors after delete", "document_id", documentID, "error", err)
	}
	s.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// Ask answers a question about one of the owner's documents. A document
// that is not ready yet simply yields the insufficient-context answer.
func (s *Service) Ask(ctx context.Context, ownerID, documentID, question string) (qa.Answer, error) {
	if _, err := s.ownedDocument(ctx, ownerID, documentID, "ask"); err != nil {
		return qa.Answer{}, err
	}
	return s.answerer.Answer(ctx, question, documentID, ownerID)
}

// Reindex rebuilds the active vector store from the record and returns the
// number of vectors it holds afterwards.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := retrieval.Reindex(ctx, s.store, s.index)
	if err != nil {
		return 0, ragerr.Wrap(ragerr.ErrIndex, "reindex", "", ragerr.FromContext(err))
	}
	s.logger.Info("index rebuilt", "vectors", n, "duration", time.Since(start))
	return n, nil
}

// Recover undoes the effects of an unclean shutdown: jobs left running are
// requeued and documents caught mid-pipeline are reset so they are processed
// from scratch.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.store.RequeueRunning(ctx)
	if err != nil {
		return fmt.Errorf("requeueing jobs: %w", err)
	}
	ids, err := s.store.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("resetting interrupted documents: %w", err)
	}
	for _, id := range ids {
		if err := s.index.DeleteByDocument(ctx, id); err != nil {
			return ragerr.Wrap(ragerr.ErrIndex, "recover", id, err)
		}
	}
	if n > 0 || len(ids) > 0 {
		s.logger.Info("recovered interrupted work", "jobs", n, "documents", len(ids))
	}
	return nil
}

// Stats reports document counts per status and the active index size when
// the backend can count.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting documents: %w", err)
	}
	queued, err := s.store.QueueDepth(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Documents: counts, Queued: queued, Vectors: -1}
	if c, ok := s.index.(interface {
		Count(context.Context) (int, error)
	}); ok {
		n, err := c.Count(ctx)
		if err != nil {
			return Stats{}, ragerr.Wrap(ragerr.ErrIndex, "stats", "", err)
		}
		st.Vectors = n
	}
	return st, nil
}
