package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
)

// DocumentService is the facade the transports call. *service.Service
// implements it.
type DocumentService interface {
	Ingest(ctx context.Context, ownerID, filename, contentType string, content []byte) (service.IngestResult, error)
	Reingest(ctx context.Context, ownerID, documentID, filename, contentType string, content []byte) (service.IngestResult, error)
	ListDocuments(ctx context.Context, ownerID string) ([]service.DocumentSummary, error)
	GetDocument(ctx context.Context, ownerID, documentID string) (storage.Document, error)
	DeleteDocument(ctx context.Context, ownerID, documentID string) error
	Ask(ctx context.Context, ownerID, documentID, question string) (qa.Answer, error)
	Reindex(ctx context.Context) (int, error)
	Stats(ctx context.Context) (service.Stats, error)
}

type Deps struct {
	Service        DocumentService
	JWTSecret      string
	Gatherer       prometheus.Gatherer // nil serves the default registry
	RequestTimeout time.Duration       // 0 disables the per-request deadline
	MCPOwner       string              // owner of documents reached through /mcp
	MCPVersion     string
}

// NewHandler builds the HTTP surface: health and metrics, the
// authenticated /api/v1 routes, and the MCP endpoint.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTAuth([]byte(deps.JWTSecret)))
		r.Use(requestTimeout(deps.RequestTimeout))

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Put("/documents/{id}/content", handleReingest(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/documents/{id}/ask", handleAsk(deps))
		r.Post("/reindex", handleReindex(deps))
		r.Get("/stats", handleStats(deps))
	})

	mcpSrv := NewMCPServer(MCPDeps{Service: deps.Service, OwnerID: deps.MCPOwner, Version: deps.MCPVersion})
	r.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
