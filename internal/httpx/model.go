package httpx

import (
	"io"
	"net/http"
	"strconv"
)

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// handleTrain implements POST /api/train. The body is the training CSV; the
// optional X-Sealml-Name names the stored protected copy.
func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	res, err := h.Service.Train(r.Context(), r.Header.Get(HeaderName), raw)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePredict implements POST /api/predict. The response body is the
// protected predictions file; scoring details travel in headers.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	labeled := false
	if v := r.URL.Query().Get("labeled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(r.Context(), w, http.StatusBadRequest, "invalid labeled flag")
			return
		}
		labeled = b
	}
	raw, err := readBody(r)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	res, err := h.Service.Predict(r.Context(), raw, labeled)
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	hdr := w.Header()
	hdr.Set(HeaderArtifactID, res.Artifact.ID)
	hdr.Set(HeaderRows, strconv.Itoa(res.Rows))
	if res.MSE != nil {
		hdr.Set(HeaderMSE, strconv.FormatFloat(*res.MSE, 'g', -1, 64))
	}
	writeAttachment(w, http.StatusOK, res.FileName, res.Blob)
}

// handleReset implements POST /api/model/reset.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.ResetModel(r.Context()); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
