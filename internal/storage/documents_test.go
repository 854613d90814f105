package storage

import (
	"errors"
	"testing"
	"time"
)

func seedDocument(t *testing.T, s *Store, id, owner, hash string) Document {
	t.Helper()
	d := Document{ID: id, OwnerID: owner, Filename: id + ".txt", ContentType: "text/plain", ContentHash: hash}
	if err := s.CreateDocument(ctx, d, []byte("content of "+id)); err != nil {
		t.Fatalf("CreateDocument(%s): %v", id, err)
	}
	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument(%s): %v", id, err)
	}
	return got
}

var lifecycle = []Status{StatusUploaded, StatusParsing, StatusChunking, StatusEmbedding, StatusIndexing}

// advanceTo walks an uploaded document forward through the lifecycle to to.
func advanceTo(t *testing.T, s *Store, id string, to Status) {
	t.Helper()
	for i := 1; i < len(lifecycle); i++ {
		if err := s.TransitionStatus(ctx, id, lifecycle[i-1], lifecycle[i]); err != nil {
			t.Fatalf("%s: %s->%s: %v", id, lifecycle[i-1], lifecycle[i], err)
		}
		if lifecycle[i] == to {
			return
		}
	}
}

func testChunks(docID string, n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			ID:          docID + "-c" + string(rune('0'+i)),
			DocumentID:  docID,
			Ordinal:     i,
			Text:        "chunk text",
			TokenCount:  3,
			ContentHash: "ch",
			CharStart:   i * 10,
			CharEnd:     i*10 + 10,
			Embedding:   []float32{float32(i), 1},
		}
	}
	return chunks
}

func TestCreateAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	d := seedDocument(t, s, "doc-1", "owner-1", "hash-1")

	if d.Status != StatusUploaded {
		t.Errorf("Status = %q, want %q", d.Status, StatusUploaded)
	}
	if d.OwnerID != "owner-1" || d.Filename != "doc-1.txt" || d.ContentHash != "hash-1" {
		t.Errorf("unexpected document: %+v", d)
	}
	if d.CreatedAt.IsZero() || time.Since(d.CreatedAt) > time.Minute {
		t.Errorf("CreatedAt = %v", d.CreatedAt)
	}

	raw, ct, err := s.DocumentContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("DocumentContent: %v", err)
	}
	if string(raw) != "content of doc-1" || ct != "text/plain" {
		t.Errorf("DocumentContent = %q, %q", raw, ct)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateDocument_DuplicateHashPerOwner(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "same")

	err := s.CreateDocument(ctx, Document{ID: "doc-2", OwnerID: "owner-1", Filename: "b", ContentHash: "same"}, []byte("x"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}

	// Another owner may upload identical content.
	seedDocument(t, s, "doc-3", "owner-2", "same")

	got, err := s.FindDocumentByHash(ctx, "owner-2", "same")
	if err != nil {
		t.Fatalf("FindDocumentByHash: %v", err)
	}
	if got.ID != "doc-3" {
		t.Errorf("ID = %q, want doc-3", got.ID)
	}
}

func TestListDocuments_ScopedAndOrdered(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "b", "owner-1", "h1")
	seedDocument(t, s, "a", "owner-1", "h2")
	seedDocument(t, s, "c", "owner-2", "h3")

	docs, err := s.ListDocuments(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if docs[0].ID != "b" || docs[1].ID != "a" {
		t.Errorf("order = [%s %s], want [b a]", docs[0].ID, docs[1].ID)
	}
}

func TestTransitionStatus(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")

	if err := s.TransitionStatus(ctx, "doc-1", StatusUploaded, StatusParsing); err != nil {
		t.Fatalf("uploaded->parsing: %v", err)
	}
	err := s.TransitionStatus(ctx, "doc-1", StatusUploaded, StatusParsing)
	if !errors.Is(err, ErrStatusChanged) {
		t.Errorf("stale transition err = %v, want ErrStatusChanged", err)
	}
	if err := s.TransitionStatus(ctx, "missing", StatusUploaded, StatusParsing); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing doc err = %v, want ErrNotFound", err)
	}
}

func TestMarkReady_RequiresIndexing(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")

	if err := s.MarkReady(ctx, "doc-1", 3); !errors.Is(err, ErrStatusChanged) {
		t.Errorf("MarkReady from uploaded err = %v, want ErrStatusChanged", err)
	}

	advanceTo(t, s, "doc-1", StatusIndexing)
	if err := s.MarkReady(ctx, "doc-1", 3); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	d, _ := s.GetDocument(ctx, "doc-1")
	if d.Status != StatusReady || d.ChunkCount != 3 {
		t.Errorf("got status=%q chunks=%d, want ready/3", d.Status, d.ChunkCount)
	}
}

func TestFailDocument(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")

	if err := s.FailDocument(ctx, "doc-1", StatusParsing, ReasonParseError); !errors.Is(err, ErrStatusChanged) {
		t.Errorf("failing from the wrong stage err = %v, want ErrStatusChanged", err)
	}
	if err := s.FailDocument(ctx, "doc-1", StatusUploaded, ReasonParseError); err != nil {
		t.Fatalf("FailDocument: %v", err)
	}
	d, _ := s.GetDocument(ctx, "doc-1")
	if d.Status != StatusFailed || d.FailureReason != ReasonParseError {
		t.Errorf("got %q/%q", d.Status, d.FailureReason)
	}
	if err := s.FailDocument(ctx, "doc-1", StatusUploaded, ReasonIndexError); !errors.Is(err, ErrStatusChanged) {
		t.Errorf("failing a terminal document err = %v, want ErrStatusChanged", err)
	}
	if err := s.FailDocument(ctx, "missing", StatusUploaded, ReasonParseError); !errors.Is(err, ErrNotFound) {
		t.Errorf("failing a missing document err = %v, want ErrNotFound", err)
	}
}

func TestReplaceChunks_Atomic(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")
	advanceTo(t, s, "doc-1", StatusIndexing)

	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 3)); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	// Duplicate ordinal violates the unique constraint; the previous set must survive.
	bad := testChunks("doc-1", 2)
	bad[0].ID, bad[1].ID = "x0", "x1"
	bad[1].Ordinal = 0
	if err := s.ReplaceChunks(ctx, "doc-1", bad); err == nil {
		t.Fatal("expected error for duplicate ordinal")
	}

	chunks, err := s.ListChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks after failed replace, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunks[%d].Ordinal = %d", i, c.Ordinal)
		}
		if len(c.Embedding) != 2 || c.Embedding[0] != float32(i) {
			t.Errorf("chunks[%d].Embedding = %v", i, c.Embedding)
		}
	}
}

func TestReplaceChunks_RequiresIndexing(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")
	advanceTo(t, s, "doc-1", StatusEmbedding)

	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 2)); !errors.Is(err, ErrStatusChanged) {
		t.Errorf("err = %v, want ErrStatusChanged", err)
	}
	if chunks, _ := s.ListChunks(ctx, "doc-1"); len(chunks) != 0 {
		t.Errorf("%d chunks written outside indexing", len(chunks))
	}
	if err := s.ReplaceChunks(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing document err = %v, want ErrNotFound", err)
	}
}

func TestDeleteChunks_ByID(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")
	advanceTo(t, s, "doc-1", StatusIndexing)
	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 3)); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	if err := s.DeleteChunks(ctx, []string{"doc-1-c0", "doc-1-c2", "other"}); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	if err := s.DeleteChunks(ctx, nil); err != nil {
		t.Fatalf("DeleteChunks(nil): %v", err)
	}
	chunks, _ := s.ListChunks(ctx, "doc-1")
	if len(chunks) != 1 || chunks[0].ID != "doc-1-c1" {
		t.Errorf("remaining chunks = %+v, want doc-1-c1 only", chunks)
	}
}

func TestGetChunks(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")
	advanceTo(t, s, "doc-1", StatusIndexing)
	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 3)); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	got, err := s.GetChunks(ctx, []string{"doc-1-c2", "nope", "doc-1-c0"})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d chunks, want 2", len(got))
	}
}

func TestIndexEntries_OnlyIndexedDocuments(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h1")
	seedDocument(t, s, "doc-2", "owner-2", "h2")
	for _, id := range []string{"doc-1", "doc-2"} {
		advanceTo(t, s, id, StatusIndexing)
		if err := s.ReplaceChunks(ctx, id, testChunks(id, 2)); err != nil {
			t.Fatalf("ReplaceChunks(%s): %v", id, err)
		}
	}
	// Chunks of a document that failed after writing them are not indexable.
	if err := s.FailDocument(ctx, "doc-2", StatusIndexing, ReasonIndexError); err != nil {
		t.Fatal(err)
	}

	entries, err := s.IndexEntries(ctx, "")
	if err != nil {
		t.Fatalf("IndexEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (doc-2 is not indexed)", len(entries))
	}
	for _, e := range entries {
		if e.DocumentID != "doc-1" || e.OwnerID != "owner-1" {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

func TestResetDocument(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "old")
	advanceTo(t, s, "doc-1", StatusIndexing)
	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.FailDocument(ctx, "doc-1", StatusIndexing, ReasonIndexError); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetDocument(ctx, "doc-1", "new.txt", "text/plain", "new", []byte("new content")); err != nil {
		t.Fatalf("ResetDocument: %v", err)
	}

	d, _ := s.GetDocument(ctx, "doc-1")
	if d.Status != StatusUploaded || d.FailureReason != "" || d.ContentHash != "new" || d.Filename != "new.txt" {
		t.Errorf("unexpected document after reset: %+v", d)
	}
	chunks, _ := s.ListChunks(ctx, "doc-1")
	if len(chunks) != 0 {
		t.Errorf("got %d chunks after reset, want 0", len(chunks))
	}
	raw, _, _ := s.DocumentContent(ctx, "doc-1")
	if string(raw) != "new content" {
		t.Errorf("raw = %q", raw)
	}
}

func TestDeleteDocument_RemovesChunks(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h")
	advanceTo(t, s, "doc-1", StatusIndexing)
	if err := s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 2)); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument after delete err = %v", err)
	}
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE document_id = 'doc-1'`).Scan(&n)
	if n != 0 {
		t.Errorf("%d chunks left after delete", n)
	}
	if err := s.DeleteDocument(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "a", "o", "1")
	seedDocument(t, s, "b", "o", "2")
	if err := s.FailDocument(ctx, "b", StatusUploaded, ReasonParseError); err != nil {
		t.Fatal(err)
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusUploaded] != 1 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestResetInterrupted(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "mid", "o", "h1")
	seedDocument(t, s, "done", "o", "h2")
	seedDocument(t, s, "fresh", "o", "h3")

	advanceTo(t, s, "mid", StatusIndexing)
	if err := s.ReplaceChunks(ctx, "mid", testChunks("mid", 2)); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	if err := s.FailDocument(ctx, "done", StatusUploaded, ReasonParseError); err != nil {
		t.Fatalf("FailDocument: %v", err)
	}

	ids, err := s.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("ResetInterrupted: %v", err)
	}
	if len(ids) != 1 || ids[0] != "mid" {
		t.Fatalf("reset ids = %v, want [mid]", ids)
	}
	d, _ := s.GetDocument(ctx, "mid")
	if d.Status != StatusUploaded {
		t.Errorf("mid status = %q, want uploaded", d.Status)
	}
	if chunks, _ := s.ListChunks(ctx, "mid"); len(chunks) != 0 {
		t.Errorf("mid kept %d chunks", len(chunks))
	}
	if d, _ := s.GetDocument(ctx, "done"); d.Status != StatusFailed {
		t.Errorf("done status = %q, want failed", d.Status)
	}
}
