package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/docqa/internal/ragerr"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// statusFor maps an error kind to an HTTP status and envelope type.
func statusFor(err error) (int, string) {
	switch ragerr.Kind(err) {
	case ragerr.ErrTimeout:
		return http.StatusGatewayTimeout, "timeout_error"
	case ragerr.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case ragerr.ErrInvalidInput:
		return http.StatusBadRequest, "invalid_request_error"
	case ragerr.ErrParse, ragerr.ErrSegmentation:
		return http.StatusUnprocessableEntity, "parse_error"
	case ragerr.ErrGeneration:
		return http.StatusBadGateway, "generation_error"
	case ragerr.ErrEmbedding, ragerr.ErrDimensionMismatch:
		return http.StatusBadGateway, "embedding_error"
	case ragerr.ErrIndex:
		return http.StatusServiceUnavailable, "index_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// writeError reports err using the status of its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, typ := statusFor(err)
	if code >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	httpError(w, code, typ, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
