package httpx

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/haukened/sealml/internal/domain"
)

func writeAttachment(w http.ResponseWriter, code int, name string, body []byte) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": name}); cd != "" {
		hdr.Set("Content-Disposition", cd)
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// parseRetention reads the optional retention header. Absent means zero,
// which lets the service apply its default.
func parseRetention(r *http.Request) (time.Duration, error) {
	v := r.Header.Get(HeaderRetention)
	if v == "" {
		return 0, nil
	}
	d, err := domain.ParseRetention(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrRetentionInvalid, err)
	}
	return d, nil
}

// handleProtect implements POST /api/protect.
func (h *Handler) handleProtect(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.Header.Get(HeaderName))
	if name == "" {
		h.writeError(r.Context(), w, http.StatusBadRequest, "missing "+HeaderName)
		return
	}
	retention, err := parseRetention(r)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	payload, err := readBody(r)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	res, err := h.Service.Protect(r.Context(), name, payload, retention)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set(HeaderArtifactID, res.Artifact.ID)
	w.Header().Set(HeaderDigest, res.Artifact.Digest)
	w.Header().Set("Location", "/api/artifacts/"+res.Artifact.ID)
	writeAttachment(w, http.StatusCreated, res.Artifact.Name, res.Blob)
}

// handleUnprotect implements POST /api/unprotect. Extra archive entries are
// reported in headers; only the first entry is returned.
func (h *Handler) handleUnprotect(w http.ResponseWriter, r *http.Request) {
	blob, err := readBody(r)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	res, err := h.Service.Unprotect(r.Context(), blob)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	if n := len(res.Extras); n > 0 {
		w.Header().Set(HeaderExtraEntries, strings.Join(res.Extras, ","))
		w.Header().Set("Warning", fmt.Sprintf(`199 sealml "archive held %d extra entries"`, n))
	}
	writeAttachment(w, http.StatusOK, res.Name, res.Payload)
}

// handleListArtifacts implements GET /api/artifacts.
func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.Artifacts(r.Context())
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetArtifact implements GET /api/artifacts/{id}. The blob is read in
// full before anything is sent so a digest mismatch can still become an
// error response.
func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	meta, rc, err := h.Service.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set(HeaderArtifactID, meta.ID)
	w.Header().Set(HeaderDigest, meta.Digest)
	writeAttachment(w, http.StatusOK, meta.Name, blob)
}

// handleDeleteArtifact implements DELETE /api/artifacts/{id}.
func (h *Handler) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteArtifact(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
