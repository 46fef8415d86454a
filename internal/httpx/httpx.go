// Package httpx is the HTTP delivery layer for sealml. It maps requests onto
// the application service, enforces body limits and security headers, and
// translates service errors into status codes with JSON bodies.
// Handlers are split across files (model.go, artifacts.go, health.go, errors.go).
package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/protect"
)

// Request and response headers specific to sealml.
const (
	HeaderName         = "X-Sealml-Name"
	HeaderRetention    = "X-Sealml-Retention"
	HeaderArtifactID   = "X-Sealml-Artifact-Id"
	HeaderDigest       = "X-Sealml-Digest"
	HeaderMSE          = "X-Sealml-Mse"
	HeaderRows         = "X-Sealml-Rows"
	HeaderExtraEntries = "X-Sealml-Extra-Entries"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Train(ctx context.Context, name string, raw []byte) (app.TrainResult, error)
	Predict(ctx context.Context, raw []byte, labeled bool) (app.PredictResult, error)
	ResetModel(ctx context.Context) error
	Protect(ctx context.Context, name string, payload []byte, retention time.Duration) (app.ProtectResult, error)
	Unprotect(ctx context.Context, blob []byte) (protect.Result, error)
	Artifact(ctx context.Context, id string) (app.ArtifactMeta, io.ReadCloser, error)
	Artifacts(ctx context.Context) ([]app.ArtifactMeta, error)
	DeleteArtifact(ctx context.Context, id string) error
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service   ServicePort
	MaxBody   int64                       // request body cap, 0 disables
	Readiness func(context.Context) error // optional readiness probe
	Metrics   http.Handler                // optional, mounted at /metrics
	Logger    *slog.Logger
}

// New returns a configured Handler.
// readiness may be nil, in which case /readyz always reports ready.
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness}
}

func (h *Handler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("domain", "httpx")
	}
	return h.Logger.With("domain", "httpx")
}

// Router constructs the chi router with every route and middleware mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(CorrelationIDMiddleware)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.MaxBody > 0 {
				r.Use(h.limitBody)
			}
			r.Post("/train", h.handleTrain)
			r.Post("/predict", h.handlePredict)
			r.Post("/protect", h.handleProtect)
			r.Post("/unprotect", h.handleUnprotect)
		})
		r.Post("/model/reset", h.handleReset)
		r.Get("/artifacts", h.handleListArtifacts)
		r.Get("/artifacts/{id}", h.handleGetArtifact)
		r.Delete("/artifacts/{id}", h.handleDeleteArtifact)
	})
	return r
}
