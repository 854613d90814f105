package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
)

const testSecret = "test-secret-12345"

func setupHandler(t *testing.T, svc *mockService) http.Handler {
	t.Helper()
	return NewHandler(Deps{
		Service:   svc,
		JWTSecret: testSecret,
		Gatherer:  prometheus.NewRegistry(),
		MCPOwner:  "local",
	})
}

func tokenFor(t *testing.T, owner string) string {
	t.Helper()
	tok, err := MintToken([]byte(testSecret), owner, time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	return tok
}

func authReq(t *testing.T, method, url string, body io.Reader, owner string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, url, body)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, owner))
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env.Error.Type, env.Error.Message
}

func TestUpload_RawBody(t *testing.T) {
	var gotOwner, gotName, gotType, gotBody string
	svc := &mockService{
		ingestFn: func(_ context.Context, owner, filename, ct string, content []byte) (service.IngestResult, error) {
			gotOwner, gotName, gotType, gotBody = owner, filename, ct, string(content)
			return service.IngestResult{DocumentID: "doc-1", Status: storage.StatusUploaded}, nil
		},
	}
	h := setupHandler(t, svc)

	req := authReq(t, http.MethodPost, "/api/v1/documents?filename=notes.md", strings.NewReader("# Notes"), "alice")
	req.Header.Set("Content-Type", "text/markdown")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	if gotOwner != "alice" || gotName != "notes.md" || gotType != "text/markdown" || gotBody != "# Notes" {
		t.Errorf("Ingest called with (%q, %q, %q, %q)", gotOwner, gotName, gotType, gotBody)
	}

	var res service.IngestResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.DocumentID != "doc-1" || res.Status != storage.StatusUploaded || res.Duplicate {
		t.Errorf("response = %+v", res)
	}
}

func TestUpload_Multipart(t *testing.T) {
	var gotName, gotBody string
	svc := &mockService{
		ingestFn: func(_ context.Context, _, filename, _ string, content []byte) (service.IngestResult, error) {
			gotName, gotBody = filename, string(content)
			return service.IngestResult{DocumentID: "doc-1", Status: storage.StatusUploaded}, nil
		},
	}
	h := setupHandler(t, svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "quarterly numbers")
	mw.Close()

	req := authReq(t, http.MethodPost, "/api/v1/documents", &buf, "alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	if gotName != "report.txt" || gotBody != "quarterly numbers" {
		t.Errorf("Ingest got filename %q content %q", gotName, gotBody)
	}
}

func TestUpload_MultipartWithoutFile(t *testing.T) {
	h := setupHandler(t, &mockService{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()

	req := authReq(t, http.MethodPost, "/api/v1/documents", &buf, "alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestUpload_DuplicateIs200(t *testing.T) {
	svc := &mockService{
		ingestFn: func(context.Context, string, string, string, []byte) (service.IngestResult, error) {
			return service.IngestResult{DocumentID: "doc-1", Status: storage.StatusReady, Duplicate: true}, nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/documents?filename=a.txt", strings.NewReader("x"), "alice"))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantType string
	}{
		{ragerr.Wrap(ragerr.ErrInvalidInput, "ingest", "", errors.New("empty document")), http.StatusBadRequest, "invalid_request_error"},
		{ragerr.Wrap(ragerr.ErrNotFound, "ask", "d", errors.New("no such document")), http.StatusNotFound, "not_found"},
		{ragerr.Wrap(ragerr.ErrTimeout, "generate", "d", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout_error"},
		{ragerr.Wrap(ragerr.ErrGeneration, "generate", "d", errors.New("502 from upstream")), http.StatusBadGateway, "generation_error"},
		{ragerr.Wrap(ragerr.ErrEmbedding, "retrieve", "d", errors.New("ollama down")), http.StatusBadGateway, "embedding_error"},
		{ragerr.Wrap(ragerr.ErrIndex, "retrieve", "d", errors.New("locked")), http.StatusServiceUnavailable, "index_error"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			svc := &mockService{
				askFn: func(context.Context, string, string, string) (qa.Answer, error) {
					return qa.Answer{}, tt.err
				},
			}
			h := setupHandler(t, svc)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/documents/d/ask", strings.NewReader(`{"question":"why?"}`), "alice"))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if typ, _ := decodeError(t, rr); typ != tt.wantType {
				t.Errorf("type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestAuth_Rejections(t *testing.T) {
	h := setupHandler(t, &mockService{})

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(testSecret))
	otherAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(testSecret))
	wrongKey, _ := MintToken([]byte("another-secret"), "alice", time.Hour)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))

	tests := map[string]string{
		"missing":    "",
		"garbage":    "Bearer not-a-jwt",
		"no subject": "Bearer " + noSub,
		"other alg":  "Bearer " + otherAlg,
		"wrong key":  "Bearer " + wrongKey,
		"expired":    "Bearer " + expired,
		"not bearer": "Basic " + tokenFor(t, "alice"),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestAuth_NoSecretConfigured(t *testing.T) {
	h := NewHandler(Deps{Service: &mockService{}, Gatherer: prometheus.NewRegistry()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodGet, "/api/v1/documents", nil, "alice"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestMintToken_RequiresSecretAndOwner(t *testing.T) {
	if _, err := MintToken(nil, "alice", 0); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := MintToken([]byte(testSecret), "", 0); err == nil {
		t.Error("expected error for empty owner")
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "docqa_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := NewHandler(Deps{Service: &mockService{}, JWTSecret: testSecret, Gatherer: reg})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "docqa_test_total 1") {
		t.Errorf("metrics = %d %s", rr.Code, rr.Body.String())
	}
}

func TestListDocuments(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &mockService{
		listFn: func(_ context.Context, owner string) ([]service.DocumentSummary, error) {
			if owner != "bob" {
				return nil, nil
			}
			return []service.DocumentSummary{{DocumentID: "d1", Filename: "a.txt", Status: storage.StatusReady, CreatedAt: created}}, nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodGet, "/api/v1/documents", nil, "alice"))
	if got := strings.TrimSpace(rr.Body.String()); got != `{"documents":[]}` {
		t.Errorf("empty list body = %s", got)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodGet, "/api/v1/documents", nil, "bob"))
	var resp struct {
		Documents []service.DocumentSummary `json:"documents"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Documents) != 1 || resp.Documents[0].DocumentID != "d1" || !resp.Documents[0].CreatedAt.Equal(created) {
		t.Errorf("documents = %+v", resp.Documents)
	}
}

func TestGetDocument(t *testing.T) {
	svc := &mockService{
		getFn: func(_ context.Context, owner, id string) (storage.Document, error) {
			if owner != "alice" || id != "d1" {
				return storage.Document{}, ragerr.Wrap(ragerr.ErrNotFound, "get", id, errors.New("no such document"))
			}
			return storage.Document{ID: "d1", Filename: "a.pdf", Status: storage.StatusFailed, FailureReason: storage.ReasonParseError}, nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodGet, "/api/v1/documents/d1", nil, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var view map[string]any
	json.NewDecoder(rr.Body).Decode(&view)
	if view["failure_reason"] != "parse_error" || view["status"] != "failed" {
		t.Errorf("view = %v", view)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodGet, "/api/v1/documents/d1", nil, "mallory"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("foreign document status = %d, want 404", rr.Code)
	}
}

func TestReingest(t *testing.T) {
	var gotID string
	svc := &mockService{
		reingestFn: func(_ context.Context, _, id, _, _ string, _ []byte) (service.IngestResult, error) {
			gotID = id
			return service.IngestResult{DocumentID: id, Status: storage.StatusUploaded}, nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodPut, "/api/v1/documents/d1/content?filename=v2.txt", strings.NewReader("new"), "alice"))
	if rr.Code != http.StatusAccepted || gotID != "d1" {
		t.Errorf("status = %d, id = %q", rr.Code, gotID)
	}
}

func TestDeleteDocument(t *testing.T) {
	var deleted string
	svc := &mockService{
		deleteFn: func(_ context.Context, _, id string) error {
			deleted = id
			return nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodDelete, "/api/v1/documents/d1", nil, "alice"))
	if rr.Code != http.StatusNoContent || deleted != "d1" {
		t.Errorf("status = %d, deleted = %q", rr.Code, deleted)
	}
}

func TestAsk(t *testing.T) {
	svc := &mockService{
		askFn: func(_ context.Context, owner, id, q string) (qa.Answer, error) {
			return qa.Answer{
				Text:      "Paris",
				Citations: []qa.Citation{{DocumentID: id, Ordinal: 3}},
			}, nil
		},
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/documents/d1/ask", strings.NewReader(`{"question":"Capital of France?"}`), "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	want := `{"answer":"Paris","citations":[{"document_id":"d1","chunk_ordinal":3}],"insufficient_context":false}`
	if got := strings.TrimSpace(rr.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	called := false
	svc := &mockService{
		askFn: func(context.Context, string, string, string) (qa.Answer, error) {
			called = true
			return qa.Answer{}, nil
		},
	}
	h := setupHandler(t, svc)

	for _, body := range []string{`{"question":"  "}`, `not json`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/documents/d1/ask", strings.NewReader(body), "alice"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
	if called {
		t.Error("service called for invalid request")
	}
}

func TestRequestTimeout(t *testing.T) {
	svc := &mockService{
		askFn: func(ctx context.Context, _, id, _ string) (qa.Answer, error) {
			<-ctx.Done()
			return qa.Answer{}, ragerr.Wrap(ragerr.ErrTimeout, "generate", id, ctx.Err())
		},
	}
	h := NewHandler(Deps{Service: svc, JWTSecret: testSecret, Gatherer: prometheus.NewRegistry(), RequestTimeout: 20 * time.Millisecond})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/documents/d1/ask", strings.NewReader(`{"question":"slow?"}`), "alice"))
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}
}

func TestReindex(t *testing.T) {
	svc := &mockService{
		reindexFn: func(context.Context) (int, error) { return 42, nil },
	}
	h := setupHandler(t, svc)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(t, http.MethodPost, "/api/v1/reindex", nil, "alice"))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"vectors":42}` {
		t.Errorf("reindex = %d %s", rr.Code, rr.Body.String())
	}
}
