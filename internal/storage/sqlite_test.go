package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/docqa/internal/ragerr"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestTablesAndIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, tc := range []struct{ typ, name string }{
		{"table", "documents"},
		{"table", "chunks"},
		{"table", "chunk_vectors"},
		{"table", "jobs"},
		{"index", "idx_documents_owner_created"},
		{"index", "idx_chunk_vectors_document"},
		{"index", "idx_jobs_status_run_after"},
		{"index", "idx_jobs_pending_document"},
	} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", tc.typ, tc.name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %s: %v", tc.name, err)
		}
		if count != 1 {
			t.Errorf("%s %q not found", tc.typ, tc.name)
		}
	}
}

func TestCheckEmbeddingDimension(t *testing.T) {
	s := openTestStore(t)
	seedDocument(t, s, "doc-1", "owner-1", "h1")

	if err := s.CheckEmbeddingDimension(ctx, 3); err != nil {
		t.Fatalf("empty store: %v", err)
	}

	advanceTo(t, s, "doc-1", StatusIndexing)
	chunks := []Chunk{{ID: "c0", DocumentID: "doc-1", Ordinal: 0, Text: "a", Embedding: []float32{1, 2, 3}}}
	if err := s.ReplaceChunks(ctx, "doc-1", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	if err := s.CheckEmbeddingDimension(ctx, 3); err != nil {
		t.Errorf("matching dimension: %v", err)
	}
	err := s.CheckEmbeddingDimension(ctx, 4)
	if !errors.Is(err, ragerr.ErrDimensionMismatch) {
		t.Errorf("mismatched dimension err = %v, want ErrDimensionMismatch", err)
	}
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := DecodeFloat32s(EncodeFloat32s(in))
	if err != nil {
		t.Fatalf("DecodeFloat32s: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := DecodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestConnectionPragmas(t *testing.T) {
	s := openTestStore(t)

	var fk, busy int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if fk != 1 || busy != 5000 {
		t.Errorf("foreign_keys = %d, busy_timeout = %d", fk, busy)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 || ms[0].version != 1 {
		t.Fatalf("migrations = %+v", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %+v", ms)
		}
	}
}
