package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// Reindex rebuilds vs from the relational record and returns the number of
// vectors written. Backends that can rebuild or replace their contents
// atomically do so, and searches never observe a partly filled index. Others
// are cleared per document and repopulated.
func Reindex(ctx context.Context, src ChunkSource, vs VectorStore) (int, error) {
	if rb, ok := vs.(interface{ Rebuild(context.Context) error }); ok {
		if err := rb.Rebuild(ctx); err != nil {
			return 0, err
		}
		if c, ok := vs.(interface {
			Count(context.Context) (int, error)
		}); ok {
			return c.Count(ctx)
		}
		return 0, nil
	}

	entries, err := src.IndexEntries(ctx, "")
	if err != nil {
		return 0, ragerr.Wrap(ragerr.ErrIndex, "reindex", "", err)
	}
	if r, ok := vs.(interface {
		ReplaceAll(context.Context, []storage.IndexEntry) error
	}); ok {
		if err := r.ReplaceAll(ctx, entries); err != nil {
			return 0, err
		}
		return len(entries), nil
	}

	done := make(map[string]bool)
	for _, e := range entries {
		if done[e.DocumentID] {
			continue
		}
		done[e.DocumentID] = true
		if err := vs.DeleteByDocument(ctx, e.DocumentID); err != nil {
			return 0, err
		}
	}
	for i, e := range entries {
		meta := Metadata{DocumentID: e.DocumentID, OwnerID: e.OwnerID, Ordinal: e.Ordinal}
		if err := vs.Upsert(ctx, e.ChunkID, e.Embedding, meta); err != nil {
			return i, fmt.Errorf("reindexing chunk %s: %w", e.ChunkID, err)
		}
	}
	return len(entries), nil
}
