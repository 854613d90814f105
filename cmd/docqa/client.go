package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient talks to the local server. The bearer token comes from
// DOCQA_TOKEN or is minted from the configured JWT secret for the owner.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token := os.Getenv("DOCQA_TOKEN")
	if token == "" {
		owner := ownerFlag
		if owner == "" {
			owner = cfg.MCP.OwnerID
		}
		token, err = api.MintToken([]byte(cfg.Auth.JWTSecret), owner, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("creating API token: %w", err)
		}
	}

	// Leave the server room to answer with its own timeout error first.
	var timeout time.Duration
	if t := cfg.Server.Timeout(); t > 0 {
		timeout = t + 10*time.Second
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, bodyReader)
}

func (c *apiClient) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is docqa running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// upload sends raw document bytes; the server detects the type from
// contentType or the filename.
func (c *apiClient) upload(ctx context.Context, method, path, filename, contentType string, data []byte) (*http.Response, error) {
	return c.send(ctx, method, path+"?filename="+url.QueryEscape(filename), contentType, bytes.NewReader(data))
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
