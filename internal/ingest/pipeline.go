package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/segment"
	"github.com/kalambet/docqa/internal/storage"
)

// ErrBusy is returned when a document is already being processed elsewhere.
// The job should be retried later.
var ErrBusy = errors.New("document is being processed")

// errSuperseded means a concurrent re-ingestion or deletion took the
// document out of the state this run expected.
var errSuperseded = errors.New("document superseded")

// DocumentStore is the slice of the relational record the pipeline needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	DocumentContent(ctx context.Context, id string) ([]byte, string, error)
	TransitionStatus(ctx context.Context, id string, from, to storage.Status) error
	MarkReady(ctx context.Context, id string, chunkCount int) error
	FailDocument(ctx context.Context, id string, from storage.Status, reason string) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []storage.Chunk) error
	DeleteChunks(ctx context.Context, chunkIDs []string) error
}

// BatchEmbedder embeds many texts at once. *retrieval.Embedder implements it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline drives one document from uploaded to ready: parse, segment,
// embed, persist and index. Each step is a conditional status transition,
// so a concurrent re-ingestion or deletion makes a stale run stop instead
// of overwriting newer state.
type Pipeline struct {
	store     DocumentStore
	segmenter *segment.Segmenter
	embedder  BatchEmbedder
	index     retrieval.VectorStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. m may be nil.
func NewPipeline(store DocumentStore, seg *segment.Segmenter, emb BatchEmbedder, index retrieval.VectorStore, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:     store,
		segmenter: seg,
		embedder:  emb,
		index:     index,
		metrics:   m,
		logger:    slog.Default(),
	}
}

// Process runs the pipeline for an uploaded document. Documents that are
// already ready or failed are left alone. Stage failures are recorded on the
// document and returned as *ragerr.Error.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ragerr.Wrap(ragerr.ErrNotFound, "load", documentID, err)
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}
	switch {
	case doc.Status.Terminal():
		p.logger.Debug("document already processed", "document_id", documentID, "status", doc.Status)
		return nil
	case doc.Status != storage.StatusUploaded:
		return fmt.Errorf("document %s is %s: %w", documentID, doc.Status, ErrBusy)
	}

	start := time.Now()
	n, err := p.run(ctx, doc)
	switch {
	case errors.Is(err, errSuperseded):
		p.logger.Info("ingestion superseded", "document_id", documentID, "error", err)
		p.metrics.IngestFinished("superseded")
		return nil
	case err != nil:
		return err
	}
	p.metrics.IngestFinished("ready")
	p.logger.Info("document ready", "document_id", documentID, "chunks", n, "duration", time.Since(start))
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc storage.Document) (int, error) {
	id := doc.ID

	// uploaded -> parsing
	if err := p.advance(ctx, id, storage.StatusUploaded, storage.StatusParsing); err != nil {
		return 0, err
	}
	t := time.Now()
	raw, contentType, err := p.store.DocumentContent(ctx, id)
	if err != nil {
		return 0, p.fail(ctx, id, "parse", storage.ReasonParseError, err)
	}
	text, err := Parse(contentType, doc.Filename, raw)
	p.metrics.ObserveStage("parse", time.Since(t))
	if err != nil {
		return 0, p.fail(ctx, id, "parse", storage.ReasonParseError, err)
	}

	// parsing -> chunking
	if err := p.advance(ctx, id, storage.StatusParsing, storage.StatusChunking); err != nil {
		return 0, err
	}
	t = time.Now()
	segs, err := p.segmenter.Split(text)
	p.metrics.ObserveStage("segment", time.Since(t))
	if err == nil && len(segs) == 0 {
		err = fmt.Errorf("%w: no segments", ragerr.ErrSegmentation)
	}
	if err != nil {
		return 0, p.fail(ctx, id, "segment", storage.ReasonEmptyDocument, err)
	}

	// chunking -> embedding
	if err := p.advance(ctx, id, storage.StatusChunking, storage.StatusEmbedding); err != nil {
		return 0, err
	}
	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}
	t = time.Now()
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	p.metrics.ObserveStage("embed", time.Since(t))
	if err != nil {
		return 0, p.fail(ctx, id, "embed", storage.ReasonEmbeddingError, err)
	}

	// embedding -> indexing
	if err := p.advance(ctx, id, storage.StatusEmbedding, storage.StatusIndexing); err != nil {
		return 0, err
	}
	chunks := buildChunks(id, segs, vecs)
	t = time.Now()
	err = p.persist(ctx, doc, chunks)
	p.metrics.ObserveStage("index", time.Since(t))
	if errors.Is(err, errSuperseded) {
		return 0, err
	}
	if err != nil {
		p.rollback(ctx, id, chunks)
		return 0, p.fail(ctx, id, "index", storage.ReasonIndexError, err)
	}

	// indexing -> ready
	if err := p.store.MarkReady(ctx, id, len(chunks)); err != nil {
		p.rollback(ctx, id, chunks)
		if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %w", errSuperseded, err)
		}
		return 0, p.fail(ctx, id, "index", storage.ReasonIndexError, err)
	}
	return len(chunks), nil
}

// persist writes the chunk rows in one transaction, then their vectors. The
// rows are only written while the document is still indexing, so a run
// superseded before this point leaves nothing behind.
func (p *Pipeline) persist(ctx context.Context, doc storage.Document, chunks []storage.Chunk) error {
	err := p.store.ReplaceChunks(ctx, doc.ID, chunks)
	if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", errSuperseded, err)
	}
	if err != nil {
		return fmt.Errorf("%w: writing chunks: %w", ragerr.ErrIndex, ragerr.FromContext(err))
	}
	// Vectors left by an interrupted run would otherwise linger.
	if err := p.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	for _, c := range chunks {
		meta := retrieval.Metadata{DocumentID: doc.ID, OwnerID: doc.OwnerID, Ordinal: c.Ordinal}
		if err := p.index.Upsert(ctx, c.ID, c.Embedding, meta); err != nil {
			return err
		}
	}
	return nil
}

// rollback removes the chunk rows and vectors this run wrote, by chunk id,
// so whatever a reset or a later run stored for the document survives. Rows
// go first so a lazily loading index cannot pick them up again after its
// entries are gone.
func (p *Pipeline) rollback(ctx context.Context, id string, chunks []storage.Chunk) {
	ctx = context.WithoutCancel(ctx)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := p.store.DeleteChunks(ctx, ids); err != nil {
		p.logger.Error("rollback: deleting chunks", "document_id", id, "error", err)
	}
	if err := p.index.Delete(ctx, ids); err != nil {
		p.logger.Error("rollback: deleting vectors", "document_id", id, "error", err)
	}
}

// advance performs a conditional status transition.
func (p *Pipeline) advance(ctx context.Context, id string, from, to storage.Status) error {
	err := p.store.TransitionStatus(ctx, id, from, to)
	if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", errSuperseded, err)
	}
	if err != nil {
		return fmt.Errorf("moving document %s to %s: %w", id, to, err)
	}
	p.logger.Debug("document stage", "document_id", id, "stage", to)
	return nil
}

// fail records a stage failure on the document and returns it as a
// *ragerr.Error. A cancelled run is not recorded: the document stays where
// it is and is reset on the next start. Neither is a run whose document
// left the stage's status under it.
func (p *Pipeline) fail(ctx context.Context, id, stage, reason string, cause error) error {
	if ctx.Err() != nil || ragerr.IsContextErr(cause) {
		p.metrics.IngestFinished("cancelled")
		return ragerr.Wrap(ragerr.ErrTimeout, stage, id, cause)
	}
	st := stages[stage]
	err := p.store.FailDocument(context.WithoutCancel(ctx), id, st.status, reason)
	if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s failed on a stale run: %w", errSuperseded, stage, err)
	}
	p.metrics.IngestFinished(reason)
	p.logger.Warn("ingestion failed", "document_id", id, "stage", stage, "reason", reason, "error", cause)
	if err != nil {
		p.logger.Error("recording failure", "document_id", id, "error", err)
	}
	kind := ragerr.Kind(cause)
	if kind == nil {
		kind = st.kind
	}
	return ragerr.Wrap(kind, stage, id, cause)
}

// stages maps a pipeline stage to the error kind it reports and the status
// the document holds while it runs.
var stages = map[string]struct {
	kind   error
	status storage.Status
}{
	"parse":   {ragerr.ErrParse, storage.StatusParsing},
	"segment": {ragerr.ErrSegmentation, storage.StatusChunking},
	"embed":   {ragerr.ErrEmbedding, storage.StatusEmbedding},
	"index":   {ragerr.ErrIndex, storage.StatusIndexing},
}

func buildChunks(documentID string, segs []segment.Segment, vecs [][]float32) []storage.Chunk {
	chunks := make([]storage.Chunk, len(segs))
	for i, s := range segs {
		sum := sha256.Sum256([]byte(s.Text))
		chunks[i] = storage.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  documentID,
			Ordinal:     i,
			Text:        s.Text,
			TokenCount:  s.TokenCount,
			ContentHash: hex.EncodeToString(sum[:]),
			CharStart:   s.Start,
			CharEnd:     s.End,
			Embedding:   vecs[i],
		}
	}
	return chunks
}
