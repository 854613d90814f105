package qa

import (
	"context"

	"github.com/kalambet/docqa/internal/engine"
)

// EngineGenerator generates through a local engine's chat endpoint.
type EngineGenerator struct {
	engine engine.Engine
	model  string
}

// NewEngineGenerator creates a Generator for the given engine and model.
func NewEngineGenerator(e engine.Engine, model string) *EngineGenerator {
	return &EngineGenerator{engine: e, model: model}
}

func (g *EngineGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.engine.Chat(ctx, g.model, []engine.Message{{Role: "user", Content: prompt}})
}
