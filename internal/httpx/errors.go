package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/domain"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		h.log().Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

type errorMapping struct {
	target error
	status int
	msg    string
	code   string
}

// errorTable is checked in order; the first match wins.
var errorTable = []errorMapping{
	{domain.ErrInvalidID, http.StatusBadRequest, "invalid id", "invalid_id"},
	{app.ErrSizeExceeded, http.StatusRequestEntityTooLarge, "size exceeded", "size_exceeded"},
	{app.ErrEmptyBody, http.StatusBadRequest, "empty body", "empty_body"},
	{app.ErrNotFound, http.StatusNotFound, "not found", "not_found"},
	{os.ErrNotExist, http.StatusNotFound, "not found", "not_found"},
	{domain.ErrRetentionInvalid, http.StatusBadRequest, "retention invalid", "retention_invalid"},
	{domain.ErrEmptyName, http.StatusBadRequest, "name required", "empty_name"},
	{domain.ErrParse, http.StatusBadRequest, "invalid dataset", "parse"},
	{domain.ErrModelNotTrained, http.StatusConflict, "model not trained", "model_not_trained"},
	{domain.ErrIntegrity, http.StatusUnprocessableEntity, "integrity check failed", "integrity"},
	{domain.ErrEmptyArchive, http.StatusUnprocessableEntity, "archive is empty", "empty_archive"},
	{domain.ErrArchiveFormat, http.StatusUnprocessableEntity, "not a protected archive", "archive_format"},
	{domain.ErrKeySource, http.StatusServiceUnavailable, "key unavailable", "key_source"},
	{domain.ErrKeyIO, http.StatusServiceUnavailable, "key unavailable", "key_io"},
	{domain.ErrKeyFormat, http.StatusServiceUnavailable, "key unavailable", "key_format"},
	{domain.ErrDigestMismatch, http.StatusInternalServerError, "stored artifact corrupted", "digest_mismatch"},
}

// mapServiceError maps domain/store/service errors to HTTP responses.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		err = app.ErrSizeExceeded
	}
	for _, m := range errorTable {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.status >= http.StatusInternalServerError {
			h.log().Error("service error", "cid", cid, "code", m.code)
		} else {
			h.log().Info("service error", "cid", cid, "code", m.code)
		}
		h.writeError(ctx, w, m.status, m.msg)
		return
	}
	// Unexpected errors may carry paths or IDs, so only the type is logged.
	h.log().Error("unhandled service error", "cid", cid, "code", "unhandled", "err_type", errType(err))
	h.writeError(ctx, w, http.StatusInternalServerError, "internal")
}

func errType(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline"
	}
	return "unknown"
}
