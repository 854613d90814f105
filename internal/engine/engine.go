// Package engine is the model backend seen by the rest of the service:
// embeddings for ingestion and retrieval, chat for answers, and the model
// management needed at startup.
package engine

import "context"

type Engine interface {
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	IsRunning(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// PullProgress is one progress report of a model download. Total is zero
// for steps without a byte count.
type PullProgress struct {
	Status    string
	Total     int64
	Completed int64
}
