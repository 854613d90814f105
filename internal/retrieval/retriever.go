package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// Passage is a retrieved chunk with its similarity to the query.
type Passage struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	TokenCount int
	Score      float64
}

// QueryEmbedder embeds query text. *Embedder implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkLookup hydrates search hits from the relational record.
// *storage.Store implements it.
type ChunkLookup interface {
	GetChunks(ctx context.Context, ids []string) ([]storage.Chunk, error)
}

// Retriever combines embedding and vector search to find the passages of a
// document most relevant to a question.
type Retriever struct {
	embedder QueryEmbedder
	store    VectorStore
	chunks   ChunkLookup
	backend  string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. backend names the active vector store
// in metrics.
func NewRetriever(embedder QueryEmbedder, store VectorStore, chunks ChunkLookup, backend string, m *metrics.Metrics) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		chunks:   chunks,
		backend:  backend,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// Retrieve embeds the query once, searches the given document within the
// owner's scope, and returns passages scoring at least threshold in
// descending score order. An empty result is not an error: it means no
// passage is relevant. Search failures are returned so that "nothing
// relevant" stays distinguishable from "retrieval unavailable".
func (r *Retriever) Retrieve(ctx context.Context, query, documentID, ownerID string, k int, threshold float64) ([]Passage, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.Kind(err), "retrieve", documentID, err)
	}

	start := time.Now()
	hits, err := r.store.Search(ctx, vec, k, Filter{DocumentID: documentID, OwnerID: ownerID})
	r.metrics.ObserveSearch(r.backend, time.Since(start))
	if err != nil {
		kind := ragerr.Kind(err)
		if kind == nil {
			kind = ragerr.ErrIndex
		}
		return nil, ragerr.Wrap(kind, "retrieve", documentID, err)
	}

	seen := make(map[string]bool, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		if h.Score < threshold || seen[h.ChunkID] {
			continue
		}
		seen[h.ChunkID] = true
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	ids := make([]string, len(kept))
	for i, h := range kept {
		ids[i] = h.ChunkID
	}
	chunks, err := r.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrIndex, "retrieve", documentID,
			fmt.Errorf("hydrating chunks: %w", ragerr.FromContext(err)))
	}
	byID := make(map[string]storage.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	passages := make([]Passage, 0, len(kept))
	for _, h := range kept {
		c, ok := byID[h.ChunkID]
		if !ok {
			r.logger.Warn("index entry without chunk record", "document_id", documentID, "chunk_id", h.ChunkID)
			continue
		}
		passages = append(passages, Passage{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Score:      h.Score,
		})
	}
	if len(passages) == 0 {
		return nil, nil
	}
	return passages, nil
}
