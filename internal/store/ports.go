// Package store implements app.ArtifactStore by composing two lower ports:
// an Index holding artifact metadata (and small blobs inline) and a
// BlobStorage holding larger blobs as files. Callers outside this package
// use the app.ArtifactStore interface only.
package store

import (
	"context"
	"io"
	"time"

	"github.com/haukened/sealml/internal/app"
)

// Record is one index row.
type Record struct {
	Meta     app.ArtifactMeta
	Inline   []byte // nil when External
	External bool
}

// Index abstracts metadata persistence (typically SQLite).
type Index interface {
	Insert(ctx context.Context, rec Record) error
	// Get returns the row for id or app.ErrNotFound. Expiry is not
	// interpreted here.
	Get(ctx context.Context, id string) (Record, error)
	// List returns metadata of rows live at now, newest first.
	List(ctx context.Context, now time.Time) ([]app.ArtifactMeta, error)
	// Delete removes the row for id and reports whether its blob is external.
	Delete(ctx context.Context, id string) (external bool, err error)
	// DeleteExpired removes rows with a non-zero expiry before t.
	DeleteExpired(ctx context.Context, t time.Time) ([]ExpiredRecord, error)
	// ListExternalIDs returns IDs of artifacts stored in blob storage.
	ListExternalIDs(ctx context.Context) ([]string, error)
}

// BlobStorage abstracts large blob persistence on the filesystem.
type BlobStorage interface {
	Write(id string, r io.Reader, size int64) error
	// Open returns a reader over the blob without removing it.
	Open(id string) (io.ReadCloser, error)
	Delete(id string) error
	// List returns all blob IDs present in storage.
	List() ([]string, error)
}

// ExpiredRecord identifies a removed row needing blob cleanup.
type ExpiredRecord struct {
	ID       string
	External bool
}
