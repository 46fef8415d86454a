// Package app defines the ports (interfaces) and data contracts the sealml
// use-cases depend on. Adapter packages provide the concrete storage,
// protection pipeline, regression trainer and metrics recorder; this package
// only orchestrates them.
package app

import (
	"context"
	"io"
	"time"

	"github.com/haukened/sealml/internal/dataset"
	"github.com/haukened/sealml/internal/protect"
)

// Kind classifies a stored artifact by the operation that produced it.
type Kind string

const (
	KindUpload      Kind = "upload"
	KindPredictions Kind = "predictions"
	KindManual      Kind = "manual"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUpload, KindPredictions, KindManual:
		return true
	}
	return false
}

// ArtifactMeta describes one protected artifact held by the store.
// A zero ExpiresAt means the artifact is retained until deleted.
type ArtifactMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Scheme    string    `json:"scheme"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Clock abstracts time to enable deterministic testing of retention logic.
type Clock interface {
	Now() time.Time
}

// ArtifactStore is the storage port for protected blobs.
type ArtifactStore interface {
	// Save persists exactly size bytes from r under meta.ID and returns the
	// stored metadata with Size, Digest and CreatedAt filled in. It returns
	// only after data and metadata are durable.
	Save(ctx context.Context, meta ArtifactMeta, r io.Reader, size int64) (ArtifactMeta, error)

	// Open returns the metadata and a reader over the stored blob. Reading
	// does not remove the artifact. The reader reports
	// domain.ErrDigestMismatch at EOF if the bytes changed at rest.
	Open(ctx context.Context, id string) (ArtifactMeta, io.ReadCloser, error)

	// List returns every live artifact, newest first.
	List(ctx context.Context) ([]ArtifactMeta, error)

	// Delete removes one artifact. Missing IDs yield ErrNotFound.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes artifacts whose expiry precedes t and returns
	// how many were removed.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)

	// Reconcile removes blob files no index row refers to.
	Reconcile(ctx context.Context) error
}

// Protector is the artifact protection pipeline. *protect.Protector
// satisfies it.
type Protector interface {
	Protect(name string, payload []byte) ([]byte, error)
	Unprotect(blob []byte) (protect.Result, error)
	Scheme() string
}

// Trainer fits and applies the regression model. *regress.Trainer
// satisfies it.
type Trainer interface {
	Train(tab *dataset.Table) (float64, error)
	Test(tab *dataset.Table, labeled bool) (*dataset.Table, *float64, error)
	Save() error
	Reset() error
}

// Recorder receives operational metrics. *metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}
