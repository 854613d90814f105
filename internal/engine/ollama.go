package engine

import (
	"context"

	"github.com/kalambet/docqa/internal/ollama"
)

// OllamaEngine serves Engine from a local Ollama. Embed, IsRunning,
// ListModels and HasModel come straight from the client.
type OllamaEngine struct {
	*ollama.Client
	opts *ollama.Options
}

var _ Engine = (*OllamaEngine)(nil)

// NewOllamaEngine chats at temperature 0 so answers are reproducible.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	temp := 0.0
	return &OllamaEngine{
		Client: ollama.New(baseURL),
		opts:   &ollama.Options{Temperature: &temp},
	}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]ollama.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollama.Message(m))
	}
	return e.Client.Chat(ctx, model, msgs, e.opts)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.Client.PullModel(ctx, name, nil)
	}
	return e.Client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
	})
}
