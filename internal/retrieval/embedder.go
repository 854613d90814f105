package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/ragerr"
)

const defaultBatchSize = 16

// Embedder maps text to vectors of the deployment dimension through an
// Engine. Batching is only an optimization: EmbedQuery(t) is computed as the
// single-element batch, so it always equals EmbedBatch([t])[0].
type Embedder struct {
	engine    engine.Engine
	model     string
	dim       int
	batchSize int
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithBatchSize sets how many texts go into one engine request.
func WithBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithRateLimit caps engine requests per second. Zero means unlimited.
func WithRateLimit(perSecond float64) EmbedderOption {
	return func(e *Embedder) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithEmbedderMetrics records request outcomes.
func WithEmbedderMetrics(m *metrics.Metrics) EmbedderOption {
	return func(e *Embedder) { e.metrics = m }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// Every returned vector is checked against dim.
func NewEmbedder(e engine.Engine, model string, dim int, opts ...EmbedderOption) *Embedder {
	emb := &Embedder{engine: e, model: model, dim: dim, batchSize: defaultBatchSize}
	for _, o := range opts {
		o(emb)
	}
	return emb
}

// Dimension returns the vector dimension the Embedder enforces.
func (e *Embedder) Dimension() int { return e.dim }

// EmbedQuery returns the embedding for a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order. Batches are sent
// concurrently; if any batch fails the whole call fails and no partial
// result is returned. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			return e.embedRange(gCtx, texts, results, start, end)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedRange(ctx context.Context, texts []string, out [][]float32, start, end int) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: waiting for rate limiter: %w", ragerr.ErrTimeout, err)
		}
	}
	vecs, err := e.engine.Embed(ctx, e.model, texts[start:end])
	if err != nil {
		e.metrics.EmbedRequest("error")
		if ctx.Err() != nil || ragerr.IsContextErr(err) {
			return fmt.Errorf("%w: embedding texts %d-%d: %w", ragerr.ErrTimeout, start, end-1, err)
		}
		return fmt.Errorf("%w: embedding texts %d-%d: %w", ragerr.ErrEmbedding, start, end-1, err)
	}
	e.metrics.EmbedRequest("ok")
	if len(vecs) != end-start {
		return fmt.Errorf("%w: got %d vectors for %d texts", ragerr.ErrEmbedding, len(vecs), end-start)
	}
	for i, v := range vecs {
		if err := checkVector(v, e.dim); err != nil {
			return fmt.Errorf("text %d: %w", start+i, err)
		}
		out[start+i] = v
	}
	return nil
}
