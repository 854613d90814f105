package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kalambet/docqa/internal/ragerr"
)

// VectorStore is a similarity index over chunk embeddings. It is derived
// state: the relational record of documents and chunks is authoritative and
// every backend can be rebuilt from it with Reindex.
//
// All backends score by cosine similarity and order results by descending
// score, then ascending chunk ordinal, then chunk ID. Search never pads: if
// fewer than k entries match the filter, all of them are returned.
type VectorStore interface {
	// Upsert inserts or replaces the vector for a chunk.
	Upsert(ctx context.Context, chunkID string, vec []float32, meta Metadata) error

	// DeleteByDocument removes every vector belonging to the document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Delete removes the vectors of the given chunks. Unknown ids are
	// ignored.
	Delete(ctx context.Context, chunkIDs []string) error

	// Search returns up to k entries most similar to vec among those
	// matching the filter.
	Search(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error)
}

// Metadata is stored alongside each vector so searches can be scoped and
// ties broken without a relational lookup.
type Metadata struct {
	DocumentID string
	OwnerID    string
	Ordinal    int
}

// Filter scopes a search. Empty fields match everything.
type Filter struct {
	DocumentID string
	OwnerID    string
}

func (f Filter) match(m Metadata) bool {
	return (f.DocumentID == "" || f.DocumentID == m.DocumentID) &&
		(f.OwnerID == "" || f.OwnerID == m.OwnerID)
}

// Hit is one search result.
type Hit struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Score      float64
}

// ranksBefore reports whether a is ordered ahead of b in search results.
func ranksBefore(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.ChunkID < b.ChunkID
}

// SortHits orders hits by the search ranking.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return ranksBefore(hits[i], hits[j]) })
}

// checkVector validates a vector against the deployment dimension.
func checkVector(vec []float32, dim int) error {
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: got %d components, want %d", ragerr.ErrDimensionMismatch, len(vec), dim)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ragerr.ErrDimensionMismatch)
	}
	return nil
}

func checkK(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ragerr.ErrInvalidInput, k)
	}
	return nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine returns the cosine similarity of a and b. aNorm is the
// precomputed L2 norm of a. Zero vectors score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// hitHeap keeps the best k hits seen so far. The root is the worst of them.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// offer adds hit if it ranks among the best k.
func (h *hitHeap) offer(hit Hit, k int) {
	if h.Len() < k {
		heap.Push(h, hit)
		return
	}
	if ranksBefore(hit, (*h)[0]) {
		(*h)[0] = hit
		heap.Fix(h, 0)
	}
}

// sorted drains the heap into ranking order.
func (h *hitHeap) sorted() []Hit {
	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out
}
