package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/segment"
	"github.com/kalambet/docqa/internal/storage"
	"github.com/kalambet/docqa/internal/tokenize"
)

const testDim = 8

var ctx = context.Background()

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeEmbedder hashes each text into a vector. embedFn overrides it.
type fakeEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, texts)
	}
	return hashVectors(texts), nil
}

func hashVectors(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, testDim)
		for j := range v {
			h := fnv.New32a()
			fmt.Fprintf(h, "%d:%s", j, t)
			v[j] = float32(h.Sum32()%1000) / 1000
		}
		out[i] = v
	}
	return out
}

// failingIndex wraps a VectorStore and fails the n-th upsert. beforeUpsert,
// when set, runs once ahead of the first upsert.
type failingIndex struct {
	retrieval.VectorStore
	failAt       int
	upserts      int
	beforeUpsert func()
}

func (f *failingIndex) Upsert(ctx context.Context, id string, vec []float32, meta retrieval.Metadata) error {
	if hook := f.beforeUpsert; hook != nil {
		f.beforeUpsert = nil
		hook()
	}
	f.upserts++
	if f.upserts == f.failAt {
		return fmt.Errorf("%w: disk full", ragerr.ErrIndex)
	}
	return f.VectorStore.Upsert(ctx, id, vec, meta)
}

// gatedStore runs beforeReplace once ahead of the first ReplaceChunks.
type gatedStore struct {
	*storage.Store
	beforeReplace func()
}

func (g *gatedStore) ReplaceChunks(ctx context.Context, id string, chunks []storage.Chunk) error {
	if hook := g.beforeReplace; hook != nil {
		g.beforeReplace = nil
		hook()
	}
	return g.Store.ReplaceChunks(ctx, id, chunks)
}

type pipelineFixture struct {
	store *storage.Store
	index *retrieval.MemoryIndex
	emb   *fakeEmbedder
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	s := openTestStore(t)
	return &pipelineFixture{store: s, index: retrieval.NewMemoryIndex(testDim, nil), emb: &fakeEmbedder{}}
}

func (f *pipelineFixture) pipeline(t *testing.T, index retrieval.VectorStore) *Pipeline {
	t.Helper()
	return f.pipelineWith(t, f.store, index)
}

func (f *pipelineFixture) pipelineWith(t *testing.T, store DocumentStore, index retrieval.VectorStore) *Pipeline {
	t.Helper()
	seg, err := segment.New(12, 2, tokenize.Estimator{})
	if err != nil {
		t.Fatalf("segment.New: %v", err)
	}
	if index == nil {
		index = f.index
	}
	return NewPipeline(store, seg, f.emb, index, nil)
}

// replace stores new content for a document and drops its vectors, the way
// a re-ingest does.
func (f *pipelineFixture) replace(t *testing.T, id, filename, body string) {
	t.Helper()
	if err := f.store.ResetDocument(ctx, id, filename, "", "hash-new-"+id, []byte(body)); err != nil {
		t.Fatalf("ResetDocument: %v", err)
	}
	if err := f.index.DeleteByDocument(ctx, id); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
}

func (f *pipelineFixture) chunkIDs(t *testing.T, id string) map[string]bool {
	t.Helper()
	chunks, err := f.store.ListChunks(ctx, id)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	ids := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		ids[c.ID] = true
	}
	return ids
}

func (f *pipelineFixture) upload(t *testing.T, id, filename, body string) {
	t.Helper()
	d := storage.Document{ID: id, OwnerID: "owner-1", Filename: filename, ContentType: "", ContentHash: "hash-" + id}
	if err := f.store.CreateDocument(ctx, d, []byte(body)); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
}

func (f *pipelineFixture) document(t *testing.T, id string) storage.Document {
	t.Helper()
	d, err := f.store.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	return d
}

const capitals = `The capital of France is Paris. Paris lies on the Seine.

Berlin is the capital of Germany. It has many museums and a long history.

Madrid is the capital of Spain. It is known for its art galleries.`

func TestProcess_ReachesReady(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "capitals.txt", capitals)

	if err := f.pipeline(t, nil).Process(ctx, "doc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	d := f.document(t, "doc-1")
	if d.Status != storage.StatusReady {
		t.Fatalf("Status = %q (%s), want ready", d.Status, d.FailureReason)
	}
	chunks, err := f.store.ListChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	if d.ChunkCount != len(chunks) {
		t.Errorf("ChunkCount = %d, want %d", d.ChunkCount, len(chunks))
	}
	var body strings.Builder
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d", i, c.Ordinal)
		}
		if len(c.Embedding) != testDim {
			t.Errorf("chunk %d embedding has %d components", i, len(c.Embedding))
		}
		body.WriteString(capitals[c.CharStart:c.CharEnd])
	}
	if body.String() != capitals {
		t.Error("chunk spans do not tile the document")
	}
	if n, _ := f.index.Count(ctx); n != len(chunks) {
		t.Errorf("index holds %d vectors, want %d", n, len(chunks))
	}
}

func TestProcess_DeterministicOrdinals(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "a", "a.txt", capitals)
	f.upload(t, "b", "b.md", capitals)
	p := f.pipeline(t, nil)

	for _, id := range []string{"a", "b"} {
		if err := p.Process(ctx, id); err != nil {
			t.Fatalf("Process(%s): %v", id, err)
		}
	}
	a, _ := f.store.ListChunks(ctx, "a")
	b, _ := f.store.ListChunks(ctx, "b")
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].ContentHash != b[i].ContentHash {
			t.Errorf("chunk %d differs between identical documents", i)
		}
	}
}

func TestProcess_ParseFailure(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "bad.txt", "ok \xff\xfe broken")

	err := f.pipeline(t, nil).Process(ctx, "doc-1")
	var re *ragerr.Error
	if !errors.As(err, &re) || !errors.Is(err, ragerr.ErrParse) {
		t.Fatalf("err = %v, want *ragerr.Error of kind ErrParse", err)
	}
	if re.Stage != "parse" || re.DocumentID != "doc-1" {
		t.Errorf("err stage=%q document=%q", re.Stage, re.DocumentID)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusFailed || d.FailureReason != storage.ReasonParseError {
		t.Errorf("document = %s/%s, want failed/parse_error", d.Status, d.FailureReason)
	}
}

func TestProcess_EmptyDocument(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "blank.txt", "  \n\n\t ")

	err := f.pipeline(t, nil).Process(ctx, "doc-1")
	if !errors.Is(err, ragerr.ErrSegmentation) {
		t.Fatalf("err = %v, want ErrSegmentation", err)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusFailed || d.FailureReason != storage.ReasonEmptyDocument {
		t.Errorf("document = %s/%s, want failed/empty_document", d.Status, d.FailureReason)
	}
}

func TestProcess_EmbeddingFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	f.emb.embedFn = func(context.Context, []string) ([][]float32, error) {
		return nil, fmt.Errorf("%w: model not found", ragerr.ErrEmbedding)
	}

	err := f.pipeline(t, nil).Process(ctx, "doc-1")
	if !errors.Is(err, ragerr.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusFailed || d.FailureReason != storage.ReasonEmbeddingError {
		t.Errorf("document = %s/%s, want failed/embedding_error", d.Status, d.FailureReason)
	}
	if chunks, _ := f.store.ListChunks(ctx, "doc-1"); len(chunks) != 0 {
		t.Errorf("%d chunks committed after embedding failure", len(chunks))
	}
}

func TestProcess_IndexFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	idx := &failingIndex{VectorStore: f.index, failAt: 2}

	err := f.pipeline(t, idx).Process(ctx, "doc-1")
	if !errors.Is(err, ragerr.ErrIndex) {
		t.Fatalf("err = %v, want ErrIndex", err)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusFailed || d.FailureReason != storage.ReasonIndexError {
		t.Errorf("document = %s/%s, want failed/index_error", d.Status, d.FailureReason)
	}
	if chunks, _ := f.store.ListChunks(ctx, "doc-1"); len(chunks) != 0 {
		t.Errorf("%d chunks left after rollback", len(chunks))
	}
	if n, _ := f.index.Count(ctx); n != 0 {
		t.Errorf("%d vectors left after rollback", n)
	}
}

func TestProcess_TerminalDocumentIsNoop(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	p := f.pipeline(t, nil)
	if err := p.Process(ctx, "doc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	before, _ := f.store.ListChunks(ctx, "doc-1")

	if err := p.Process(ctx, "doc-1"); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	after, _ := f.store.ListChunks(ctx, "doc-1")
	if len(before) != len(after) || before[0].ID != after[0].ID {
		t.Error("processing a ready document rewrote its chunks")
	}
}

func TestProcess_InProgressIsBusy(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	if err := f.store.TransitionStatus(ctx, "doc-1", storage.StatusUploaded, storage.StatusParsing); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline(t, nil).Process(ctx, "doc-1"); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestProcess_MissingDocument(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline(t, nil).Process(ctx, "nope")
	if !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProcess_DeletedMidwayStopsQuietly(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	f.emb.embedFn = func(_ context.Context, texts []string) ([][]float32, error) {
		if err := f.store.DeleteDocument(ctx, "doc-1"); err != nil {
			t.Errorf("DeleteDocument: %v", err)
		}
		return hashVectors(texts), nil
	}

	if err := f.pipeline(t, nil).Process(ctx, "doc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n, _ := f.index.Count(ctx); n != 0 {
		t.Errorf("%d vectors indexed for a deleted document", n)
	}
}

func TestProcess_CancelledRunIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	cctx, cancel := context.WithCancel(ctx)
	f.emb.embedFn = func(ctx context.Context, _ []string) ([][]float32, error) {
		cancel()
		return nil, fmt.Errorf("%w: %w", ragerr.ErrTimeout, ctx.Err())
	}

	err := f.pipeline(t, nil).Process(cctx, "doc-1")
	if !errors.Is(err, ragerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d := f.document(t, "doc-1"); d.Status != storage.StatusEmbedding {
		t.Errorf("Status = %q, want embedding (left for recovery)", d.Status)
	}
}

func TestProcess_StaleRunWritesNothingAfterReset(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	store := &gatedStore{Store: f.store}
	store.beforeReplace = func() {
		// The document is re-ingested with unparseable content and its new
		// run fails before the first run gets to write its chunks.
		f.replace(t, "doc-1", "bad.txt", "ok \xff\xfe broken")
		if err := f.pipeline(t, nil).Process(ctx, "doc-1"); !errors.Is(err, ragerr.ErrParse) {
			t.Errorf("second run err = %v, want ErrParse", err)
		}
	}

	if err := f.pipelineWith(t, store, nil).Process(ctx, "doc-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusFailed || d.FailureReason != storage.ReasonParseError {
		t.Errorf("document = %s/%s, want failed/parse_error", d.Status, d.FailureReason)
	}
	if chunks, _ := f.store.ListChunks(ctx, "doc-1"); len(chunks) != 0 {
		t.Errorf("%d chunks of the replaced content survived", len(chunks))
	}
	if n, _ := f.index.Count(ctx); n != 0 {
		t.Errorf("%d vectors of the replaced content survived", n)
	}
}

func TestProcess_StaleRunRemovesOnlyItsOwnVectors(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-1", "c.txt", capitals)
	const replacement = "Lisbon is the capital of Portugal. It sits on the Tagus river."
	idx := &failingIndex{VectorStore: f.index}
	idx.beforeUpsert = func() {
		// The first run has written its chunk rows; the document is
		// re-ingested and fully processed before its vectors land.
		f.replace(t, "doc-1", "c.txt", replacement)
		if err := f.pipeline(t, nil).Process(ctx, "doc-1"); err != nil {
			t.Errorf("second run: %v", err)
		}
	}

	if err := f.pipeline(t, idx).Process(ctx, "doc-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	d := f.document(t, "doc-1")
	if d.Status != storage.StatusReady {
		t.Fatalf("Status = %q, want ready", d.Status)
	}
	current := f.chunkIDs(t, "doc-1")
	if len(current) == 0 || len(current) != d.ChunkCount {
		t.Fatalf("got %d chunks, ChunkCount %d", len(current), d.ChunkCount)
	}
	chunks, _ := f.store.ListChunks(ctx, "doc-1")
	for _, c := range chunks {
		if strings.Contains(c.Text, "Paris") {
			t.Errorf("chunk %d holds replaced content %q", c.Ordinal, c.Text)
		}
	}
	hits, err := f.index.Search(ctx, hashVectors([]string{replacement})[0], 50, retrieval.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != len(current) {
		t.Errorf("index holds %d vectors for doc-1, want %d", len(hits), len(current))
	}
	for _, h := range hits {
		if !current[h.ChunkID] {
			t.Errorf("vector %s belongs to the superseded run", h.ChunkID)
		}
	}
}
