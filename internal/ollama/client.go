// Package ollama is a small client for the parts of the Ollama HTTP API the
// service needs: health, model management, chat and batch embeddings.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries sampling parameters for /api/chat.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

// Client talks to one Ollama instance. Request deadlines come from the
// caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// StatusError is returned when Ollama answers with a non-200 status, or
// reports an error inside a streamed response.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ollama %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("ollama %s: status %d: %s", e.Op, e.Code, e.Detail)
}

// Retryable is true for overload and server faults. A missing model or a
// failed pull stays failed on retry.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// errorBody reads Ollama's {"error": "..."} envelope, falling back to the
// raw text for proxies that answer with plain bodies.
func errorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != "" {
		return env.Error
	}
	return strings.TrimSpace(string(raw))
}

// open issues a request and returns the response body once the status is
// 200. The caller closes the body.
func (c *Client) open(ctx context.Context, op, method, path string, in any) (io.ReadCloser, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("ollama %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Detail: errorBody(resp.Body)}
	}
	return resp.Body, nil
}

// call performs a request and decodes a single JSON response into out.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	rc, err := c.open(ctx, op, method, path, in)
	if err != nil {
		return err
	}
	defer rc.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(rc).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decoding response: %w", op, err)
	}
	return nil
}

// IsRunning checks /api/tags with a short deadline of its own.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.call(ctx, "health", http.MethodGet, "/api/tags", nil, nil) == nil
}

// ListModels returns the names of the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.call(ctx, "tags", http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name is available locally. A bare name matches
// any tag of that model.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(models, func(m string) bool {
		return m == name || strings.HasPrefix(m, name+":")
	})
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model and follows the progress stream to its end.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	op := "pull " + name
	req := struct {
		Name   string `json:"name"`
		Stream bool   `json:"stream"`
	}{Name: name, Stream: true}

	rc, err := c.open(ctx, op, http.MethodPost, "/api/pull", req)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ollama %s: reading progress: %w", op, err)
		}
		if p.Error != "" {
			return &StatusError{Op: op, Code: http.StatusOK, Detail: p.Error}
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// Chat sends a non-streaming chat request and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error) {
	var resp struct {
		Message Message `json:"message"`
	}
	req := chatRequest{Model: model, Messages: messages, Options: opts}
	if err := c.call(ctx, "chat", http.MethodPost, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := c.call(ctx, "embed", http.MethodPost, "/api/embed", embedRequest{Model: model, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(resp.Embeddings), len(inputs))
	}
	return resp.Embeddings, nil
}
