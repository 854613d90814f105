package storage

import (
	"errors"
	"time"

	"github.com/kalambet/docqa/internal/ragerr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = ragerr.ErrNotFound

// ErrConflict is returned when a write violates a uniqueness constraint,
// such as a second document with the same owner and content hash.
var ErrConflict = errors.New("conflict")

// ErrStatusChanged is returned by a conditional status transition when the
// document is no longer in the expected state.
var ErrStatusChanged = errors.New("document status changed")

// Status is a document's position in the ingestion lifecycle.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusParsing   Status = "parsing"
	StatusChunking  Status = "chunking"
	StatusEmbedding Status = "embedding"
	StatusIndexing  Status = "indexing"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further pipeline transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Failure reasons recorded on failed documents.
const (
	ReasonParseError     = "parse_error"
	ReasonEmptyDocument  = "empty_document"
	ReasonEmbeddingError = "embedding_error"
	ReasonIndexError     = "index_error"
)

type Document struct {
	ID            string
	OwnerID       string
	Filename      string
	ContentType   string
	ContentHash   string
	Status        Status
	FailureReason string
	ChunkCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Chunk struct {
	ID          string
	DocumentID  string
	Ordinal     int
	Text        string
	TokenCount  int
	ContentHash string
	CharStart   int
	CharEnd     int
	Embedding   []float32
}

// IndexEntry is the slice of a chunk a similarity index needs to rebuild
// itself from the relational record.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	OwnerID    string
	Ordinal    int
	Embedding  []float32
}

type Job struct {
	ID          string
	DocumentID  string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobStatus is the lifecycle state of a queued ingestion.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)
