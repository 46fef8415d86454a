// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. Protected artifacts too large to inline are kept as immutable
// blob files named by artifact ID.
package filesystem

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/sealml/internal/domain"
	"github.com/haukened/sealml/internal/store"
)

var _ store.BlobStorage = (*BlobStore)(nil)

const (
	blobExt = ".blob"
	partExt = ".part"
)

// DefaultGrace is how old a blob file must be before List reports it.
// A blob is written before its index row, so younger files may still be
// waiting for their row.
const DefaultGrace = time.Second

// BlobStore implements store.BlobStorage using the local filesystem.
type BlobStore struct {
	root  string
	grace time.Duration
}

// New returns a blob store rooted at dir, which must already exist.
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root, grace: DefaultGrace}, nil
}

// SetGrace overrides DefaultGrace. Zero lists every file.
func (b *BlobStore) SetGrace(d time.Duration) { b.grace = d }

func (b *BlobStore) path(id string) string { return filepath.Join(b.root, id+blobExt) }

// Write stores exactly size bytes from r as the blob for id. The data is
// written to a partial file, fsynced and renamed into place, so a blob file
// is either complete or absent. Writing an existing id fails.
func (b *BlobStore) Write(id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	final := b.path(id)
	if _, err := os.Lstat(final); err == nil {
		return os.ErrExist
	}
	part := filepath.Join(b.root, id+partExt)
	// #nosec G304: fixed root plus a validated ID with a fixed suffix.
	f, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = io.CopyN(f, r, size); err == nil {
		err = f.Sync()
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err == nil {
		err = os.Rename(part, final)
	}
	if err != nil {
		_ = os.Remove(part)
		return err
	}
	return nil
}

// Open returns a reader over the blob for id. The file is left in place.
func (b *BlobStore) Open(id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return os.Open(b.path(id)) // #nosec G304 path constructed internally
}

// Delete removes the blob file for id. An empty id is a no-op.
func (b *BlobStore) Delete(id string) error {
	if id == "" {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}
	return os.Remove(b.path(id))
}

// List returns the IDs of blob files older than the grace period.
// Leftover partial files from an interrupted Write are removed.
func (b *BlobStore) List() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		info, err := e.Info()
		if err != nil {
			continue
		}
		fresh := time.Since(info.ModTime()) < b.grace
		switch filepath.Ext(name) {
		case blobExt:
			if !fresh {
				ids = append(ids, strings.TrimSuffix(name, blobExt))
			}
		case partExt:
			if !fresh {
				_ = os.Remove(filepath.Join(b.root, name))
			}
		}
	}
	return ids, nil
}

// validateID accepts only canonical artifact IDs, which rules out path
// separators and traversal.
func validateID(id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return errors.New("invalid blob id: must be 32 lowercase hex chars")
	}
	return nil
}
