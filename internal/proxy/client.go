// Package proxy generates answers through an OpenAI-compatible chat
// completion endpoint such as OpenRouter.
package proxy

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

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
)

// StatusError is a non-200 answer from the endpoint. Body holds the error
// message when the endpoint used the OpenAI error envelope, else the raw
// body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion endpoint: status %d", e.Code)
	}
	return fmt.Sprintf("completion endpoint: status %d: %s", e.Code, e.Body)
}

// Retryable is false for client errors other than rate limiting; repeating
// the same request cannot fix a bad key or an unknown model.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsRateLimit reports whether err is an HTTP 429 from the endpoint.
func IsRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// Client makes exactly one request per call. Retry policy belongs to the
// caller.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient targets baseURL, or OpenRouter when it is empty.
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	// OpenRouter attribution headers; other endpoints ignore them.
	h.Set("HTTP-Referer", "https://github.com/kalambet/docqa")
	h.Set("X-Title", "docqa")
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		headers:    h,
	}
}

func (c *Client) Model() string { return c.model }

func statusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	return &StatusError{Code: resp.StatusCode, Body: msg}
}

// call sends in (when non-nil) as JSON and decodes a 200 answer into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header = c.headers.Clone()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Generate sends prompt as a single user message at temperature 0 and
// returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	zero := 0.0
	resp, err := c.Chat(ctx, ChatRequest{
		Model:       c.model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: &zero,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var out ChatResponse
	if err := c.call(ctx, http.MethodPost, "/chat/completions", req, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// ListModels returns the models the endpoint offers, never nil.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var list ModelList
	if err := c.call(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

// Offered reports whether the endpoint lists the client's model.
func (c *Client) Offered(ctx context.Context) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(models, func(m Model) bool { return m.ID == c.model }), nil
}
