package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
)

const (
	maxUploadSize      = 32 << 20 // 32MB
	maxRequestBodySize = 1 << 20  // 1MB
)

type documentView struct {
	DocumentID    string         `json:"document_id"`
	Filename      string         `json:"filename"`
	ContentType   string         `json:"content_type"`
	Status        storage.Status `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ChunkCount    int            `json:"chunk_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func viewOf(d storage.Document) documentView {
	return documentView{
		DocumentID:    d.ID,
		Filename:      d.Filename,
		ContentType:   d.ContentType,
		Status:        d.Status,
		FailureReason: d.FailureReason,
		ChunkCount:    d.ChunkCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type AskRequest struct {
	Question string `json:"question"`
}

type citationView struct {
	DocumentID   string `json:"document_id"`
	ChunkOrdinal int    `json:"chunk_ordinal"`
}

type AskResponse struct {
	Answer              string         `json:"answer"`
	Citations           []citationView `json:"citations"`
	InsufficientContext bool           `json:"insufficient_context"`
}

func askResponse(a qa.Answer) AskResponse {
	cites := make([]citationView, len(a.Citations))
	for i, c := range a.Citations {
		cites[i] = citationView{DocumentID: c.DocumentID, ChunkOrdinal: c.Ordinal}
	}
	return AskResponse{Answer: a.Text, Citations: cites, InsufficientContext: a.Insufficient}
}

type upload struct {
	filename    string
	contentType string
	content     []byte
}

// readUpload accepts either a multipart form with a "file" field or a raw
// body named by the filename query parameter.
func readUpload(w http.ResponseWriter, r *http.Request) (upload, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return upload{}, uploadStatus(err), fmt.Errorf("invalid multipart body: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return upload{}, http.StatusBadRequest, errors.New(`multipart body needs a "file" field`)
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return upload{}, http.StatusBadRequest, fmt.Errorf("reading upload: %w", err)
		}
		return upload{
			filename:    header.Filename,
			contentType: header.Header.Get("Content-Type"),
			content:     content,
		}, 0, nil
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		return upload{}, uploadStatus(err), fmt.Errorf("reading body: %w", err)
	}
	return upload{
		filename:    r.URL.Query().Get("filename"),
		contentType: r.Header.Get("Content-Type"),
		content:     content,
	}, 0, nil
}

func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		up, code, err := readUpload(w, r)
		if err != nil {
			httpError(w, code, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Service.Ingest(r.Context(), owner, up.filename, up.contentType, up.content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		code = http.StatusAccepted
		if res.Duplicate {
			code = http.StatusOK
		}
		writeJSON(w, code, res)
	}
}

func handleReingest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		up, code, err := readUpload(w, r)
		if err != nil {
			httpError(w, code, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Service.Reingest(r.Context(), owner, chi.URLParam(r, "id"), up.filename, up.contentType, up.content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		code = http.StatusAccepted
		if res.Duplicate {
			code = http.StatusOK
		}
		writeJSON(w, code, res)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		docs, err := deps.Service.ListDocuments(r.Context(), owner)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if docs == nil {
			docs = []service.DocumentSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		doc, err := deps.Service.GetDocument(r.Context(), owner, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		if err := deps.Service.DeleteDocument(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		ans, err := deps.Service.Ask(r.Context(), owner, chi.URLParam(r, "id"), req.Question)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, askResponse(ans))
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Service.Reindex(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"vectors": n})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
