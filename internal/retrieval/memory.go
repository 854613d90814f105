package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// Compile-time check that MemoryIndex implements VectorStore.
var _ VectorStore = (*MemoryIndex)(nil)

// ChunkSource supplies embedded chunks from the relational record.
// *storage.Store implements it.
type ChunkSource interface {
	IndexEntries(ctx context.Context, documentID string) ([]storage.IndexEntry, error)
}

type memEntry struct {
	meta Metadata
	vec  []float32
	norm float64
}

type memDoc struct {
	entries  map[string]memEntry
	lastUsed atomic.Int64 // unix nanos
}

func newMemDoc(now time.Time) *memDoc {
	d := &memDoc{entries: make(map[string]memEntry)}
	d.lastUsed.Store(now.UnixNano())
	return d
}

// MemoryIndex is the ephemeral backend: brute-force cosine search over
// vectors held in process memory, partitioned per document.
//
// When built with a ChunkSource, a document missing from memory is loaded
// from the record on its first scoped search, and idle documents can be
// evicted with Sweep. Rebuild reloads everything without blocking readers:
// the new index is built off to the side and swapped in, and writes that
// land during the load are replayed onto it before the swap.
type MemoryIndex struct {
	dim    int
	src    ChunkSource
	now    func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	docs       map[string]*memDoc
	rebuilding bool
	journal    []func(map[string]*memDoc)

	rebuildMu sync.Mutex
}

// NewMemoryIndex creates an empty index for vectors of dimension dim. src
// may be nil, in which case the index holds only what is upserted.
func NewMemoryIndex(dim int, src ChunkSource) *MemoryIndex {
	return &MemoryIndex{
		dim:    dim,
		src:    src,
		now:    time.Now,
		logger: slog.Default(),
		docs:   make(map[string]*memDoc),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, chunkID string, vec []float32, meta Metadata) error {
	if err := checkVector(vec, m.dim); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ragerr.FromContext(err)
	}
	e := memEntry{meta: meta, vec: append([]float32(nil), vec...), norm: norm(vec)}
	now := m.now()
	op := func(docs map[string]*memDoc) {
		d, ok := docs[meta.DocumentID]
		if !ok {
			d = newMemDoc(now)
			docs[meta.DocumentID] = d
		}
		d.entries[chunkID] = e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	op(m.docs)
	if m.rebuilding {
		m.journal = append(m.journal, op)
	}
	return nil
}

func (m *MemoryIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return ragerr.FromContext(err)
	}
	op := func(docs map[string]*memDoc) { delete(docs, documentID) }

	m.mu.Lock()
	defer m.mu.Unlock()
	op(m.docs)
	if m.rebuilding {
		m.journal = append(m.journal, op)
	}
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return ragerr.FromContext(err)
	}
	ids := append([]string(nil), chunkIDs...)
	op := func(docs map[string]*memDoc) {
		for docID, d := range docs {
			for _, id := range ids {
				delete(d.entries, id)
			}
			if len(d.entries) == 0 {
				delete(docs, docID)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	op(m.docs)
	if m.rebuilding {
		m.journal = append(m.journal, op)
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vec []float32, k int, f Filter) ([]Hit, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := checkVector(vec, m.dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ragerr.FromContext(err)
	}
	if f.DocumentID != "" && m.src != nil {
		if err := m.ensureLoaded(ctx, f.DocumentID); err != nil {
			return nil, err
		}
	}

	qn := norm(vec)
	now := m.now().UnixNano()
	h := &hitHeap{}
	visit := func(d *memDoc) {
		d.lastUsed.Store(now)
		for id, e := range d.entries {
			if !f.match(e.meta) {
				continue
			}
			h.offer(Hit{
				ChunkID:    id,
				DocumentID: e.meta.DocumentID,
				Ordinal:    e.meta.Ordinal,
				Score:      cosine(vec, e.vec, qn),
			}, k)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if f.DocumentID != "" {
		if d, ok := m.docs[f.DocumentID]; ok {
			visit(d)
		}
	} else {
		for _, d := range m.docs {
			visit(d)
		}
	}
	return h.sorted(), nil
}

// ensureLoaded populates a document from the record if it is not in memory.
func (m *MemoryIndex) ensureLoaded(ctx context.Context, documentID string) error {
	m.mu.RLock()
	_, ok := m.docs[documentID]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	entries, err := m.src.IndexEntries(ctx, documentID)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrIndex, "search", documentID, ragerr.FromContext(err))
	}
	d := newMemDoc(m.now())
	for _, e := range entries {
		if len(e.Embedding) != m.dim {
			return ragerr.Wrap(ragerr.ErrIndex, "search", documentID,
				fmt.Errorf("chunk %s: %w", e.ChunkID, ragerr.ErrDimensionMismatch))
		}
		d.entries[e.ChunkID] = memEntry{
			meta: Metadata{DocumentID: e.DocumentID, OwnerID: e.OwnerID, Ordinal: e.Ordinal},
			vec:  e.Embedding,
			norm: norm(e.Embedding),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// An upsert may have created the document while we were loading.
	if _, ok := m.docs[documentID]; !ok {
		m.docs[documentID] = d
		m.logger.Debug("loaded document into memory index", "document_id", documentID, "chunks", len(d.entries))
	}
	return nil
}

// Rebuild replaces the index contents with every indexed chunk in the
// record. Searches keep using the old contents until the swap.
func (m *MemoryIndex) Rebuild(ctx context.Context) error {
	if m.src == nil {
		return fmt.Errorf("%w: memory index has no chunk source", ragerr.ErrIndex)
	}
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.Lock()
	m.rebuilding = true
	m.journal = nil
	m.mu.Unlock()

	fresh, n, err := m.load(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilding = false
	journal := m.journal
	m.journal = nil
	if err != nil {
		return err
	}
	for _, op := range journal {
		op(fresh)
	}
	m.docs = fresh
	m.logger.Info("memory index rebuilt", "documents", len(fresh), "vectors", n, "replayed", len(journal))
	return nil
}

func (m *MemoryIndex) load(ctx context.Context) (map[string]*memDoc, int, error) {
	entries, err := m.src.IndexEntries(ctx, "")
	if err != nil {
		return nil, 0, ragerr.Wrap(ragerr.ErrIndex, "rebuild", "", ragerr.FromContext(err))
	}
	now := m.now()
	fresh := make(map[string]*memDoc)
	for _, e := range entries {
		if len(e.Embedding) != m.dim {
			return nil, 0, ragerr.Wrap(ragerr.ErrIndex, "rebuild", e.DocumentID,
				fmt.Errorf("chunk %s: %w", e.ChunkID, ragerr.ErrDimensionMismatch))
		}
		d, ok := fresh[e.DocumentID]
		if !ok {
			d = newMemDoc(now)
			fresh[e.DocumentID] = d
		}
		d.entries[e.ChunkID] = memEntry{
			meta: Metadata{DocumentID: e.DocumentID, OwnerID: e.OwnerID, Ordinal: e.Ordinal},
			vec:  e.Embedding,
			norm: norm(e.Embedding),
		}
	}
	return fresh, len(entries), nil
}

// Sweep evicts documents not searched or written for longer than idle and
// returns how many were evicted. Without a ChunkSource nothing is evicted,
// since evicted documents could not be reloaded.
func (m *MemoryIndex) Sweep(idle time.Duration) int {
	if m.src == nil || idle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-idle).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebuilding {
		return 0
	}
	evicted := 0
	for id, d := range m.docs {
		if d.lastUsed.Load() < cutoff {
			delete(m.docs, id)
			evicted++
		}
	}
	return evicted
}

// Count returns the number of vectors held in memory.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.docs {
		n += len(d.entries)
	}
	return n, nil
}
