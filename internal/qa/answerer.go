// Package qa answers questions about one document from its retrieved
// passages.
package qa

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/retrieval"
)

const (
	defaultTopK         = 5
	defaultRetryBackoff = 500 * time.Millisecond
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever finds the passages of a document relevant to a question.
// *retrieval.Retriever implements it.
type Retriever interface {
	Retrieve(ctx context.Context, query, documentID, ownerID string, k int, threshold float64) ([]retrieval.Passage, error)
}

// Citation identifies a passage that was given to the model.
type Citation struct {
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"chunk_ordinal"`
}

// Answer is the result of a question.
type Answer struct {
	Text         string     `json:"text"`
	Citations    []Citation `json:"citations"`
	Insufficient bool       `json:"insufficient"`
}

func insufficient() Answer {
	return Answer{Text: composer.InsufficientAnswer, Insufficient: true}
}

// Options tune retrieval and generation.
type Options struct {
	TopK         int
	Threshold    float64
	Timeout      time.Duration // per question; 0 means none
	RetryBackoff time.Duration // wait before the single retry
}

// Answerer retrieves, composes and generates.
type Answerer struct {
	retriever Retriever
	composer  *composer.Composer
	generator Generator
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an Answerer. m may be nil.
func New(r Retriever, c *composer.Composer, g Generator, opts Options, m *metrics.Metrics) *Answerer {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Answerer{
		retriever: r,
		composer:  c,
		generator: g,
		opts:      opts,
		metrics:   m,
		logger:    slog.Default(),
	}
}

// Answer answers question from the passages of documentID visible to
// ownerID. When nothing relevant is retrieved, or no passage fits the context
// budget, it returns the fixed insufficient-context answer without calling
// the model. A failed generation is retried once; cancellation and
// deadlines are not retried.
func (a *Answerer) Answer(ctx context.Context, question, documentID, ownerID string) (Answer, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	ans, err := a.answer(ctx, question, documentID, ownerID)
	switch {
	case err != nil:
		a.metrics.QAFinished("error")
	case ans.Insufficient:
		a.metrics.QAFinished("insufficient")
	default:
		a.metrics.QAFinished("answered")
	}
	return ans, err
}

func (a *Answerer) answer(ctx context.Context, question, documentID, ownerID string) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, ragerr.Wrap(ragerr.ErrInvalidInput, "ask", documentID, errors.New("empty question"))
	}

	passages, err := a.retriever.Retrieve(ctx, question, documentID, ownerID, a.opts.TopK, a.opts.Threshold)
	if err != nil {
		return Answer{}, err
	}
	if len(passages) == 0 {
		a.logger.Debug("no relevant passages", "document_id", documentID)
		return insufficient(), nil
	}

	prompt, err := a.composer.Compose(question, passages)
	if err != nil {
		return Answer{}, ragerr.Wrap(ragerr.Kind(err), "compose", documentID, err)
	}
	if len(prompt.Used) == 0 {
		a.logger.Warn("no passage fits the context budget", "document_id", documentID, "budget", a.composer.Budget)
		return insufficient(), nil
	}
	if d := prompt.Dropped(len(passages)); d > 0 {
		a.logger.Debug("passages dropped for budget", "document_id", documentID, "dropped", d)
	}

	text, err := a.generate(ctx, documentID, prompt.Text)
	if err != nil {
		return Answer{}, err
	}
	text = strings.TrimSpace(text)
	if strings.EqualFold(strings.TrimSuffix(text, "."), strings.TrimSuffix(composer.InsufficientAnswer, ".")) {
		return insufficient(), nil
	}

	cites := make([]Citation, len(prompt.Used))
	for i, p := range prompt.Used {
		cites[i] = Citation{DocumentID: p.DocumentID, Ordinal: p.Ordinal}
	}
	return Answer{Text: text, Citations: cites}, nil
}

// retryable is false only when the generator says so. Errors without a
// classification get the one retry.
func retryable(err error) bool {
	var c interface{ Retryable() bool }
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return true
}

// generate calls the model, retrying exactly once after RetryBackoff.
func (a *Answerer) generate(ctx context.Context, documentID, prompt string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.RetryBackoff

	text, err := backoff.Retry(ctx, func() (string, error) {
		out, err := a.generator.Generate(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil || ragerr.IsContextErr(err) || !retryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errors.New("model returned an empty completion")
		}
		return out, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.metrics.GenerationRetry()
			a.logger.Warn("generation failed, retrying", "document_id", documentID, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil || ragerr.IsContextErr(err) {
		return "", ragerr.Wrap(ragerr.ErrTimeout, "generate", documentID, ragerr.FromContext(err))
	}
	return "", ragerr.Wrap(ragerr.ErrGeneration, "generate", documentID, err)
}
