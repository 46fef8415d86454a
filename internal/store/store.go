package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/domain"
)

// Store composes an Index and BlobStorage to satisfy app.ArtifactStore.
// Blobs up to inlineMax bytes live in the index; larger ones go to blob
// storage. Every blob's BLAKE3-256 digest is recorded on Save and checked
// when it is read back.
type Store struct {
	index     Index
	blobs     BlobStorage
	clock     app.Clock
	inlineMax int64
	logger    *slog.Logger
}

// New returns a Store. A nil logger selects slog.Default().
func New(index Index, blobs BlobStorage, clock app.Clock, inlineMax int64, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{index: index, blobs: blobs, clock: clock, inlineMax: inlineMax, logger: logger.With("domain", "store")}
}

var _ app.ArtifactStore = (*Store)(nil)

func (s *Store) ready() error {
	if s == nil || s.index == nil || s.blobs == nil || s.clock == nil {
		return errors.New("store not properly initialized")
	}
	return nil
}

// Save persists exactly size bytes from r. It fills in Size, Digest and
// CreatedAt on the returned metadata.
func (s *Store) Save(ctx context.Context, meta app.ArtifactMeta, r io.Reader, size int64) (app.ArtifactMeta, error) {
	if err := s.ready(); err != nil {
		return app.ArtifactMeta{}, err
	}
	if size < 0 {
		return app.ArtifactMeta{}, errors.New("size must be non-negative")
	}
	if _, err := domain.ParseID(meta.ID); err != nil {
		return app.ArtifactMeta{}, domain.ErrInvalidID
	}
	h := blake3.New()
	tee := io.TeeReader(r, h)
	rec := Record{}
	if size <= s.inlineMax {
		rec.Inline = make([]byte, size)
		if _, err := io.ReadFull(tee, rec.Inline); err != nil {
			return app.ArtifactMeta{}, err
		}
	} else {
		if err := s.blobs.Write(meta.ID, tee, size); err != nil {
			return app.ArtifactMeta{}, err
		}
		rec.External = true
	}
	meta.Size = size
	meta.Digest = hex.EncodeToString(h.Sum(nil))
	meta.CreatedAt = s.clock.Now().UTC().Truncate(time.Second)
	rec.Meta = meta
	if err := s.index.Insert(ctx, rec); err != nil {
		if rec.External {
			_ = s.blobs.Delete(meta.ID)
		}
		return app.ArtifactMeta{}, err
	}
	return meta, nil
}

// Open returns the artifact's metadata and a digest-verifying reader.
// Expired artifacts are reported as app.ErrNotFound even before the
// janitor removes them.
func (s *Store) Open(ctx context.Context, id string) (app.ArtifactMeta, io.ReadCloser, error) {
	if err := s.ready(); err != nil {
		return app.ArtifactMeta{}, nil, err
	}
	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return app.ArtifactMeta{}, nil, err
	}
	if exp := rec.Meta.ExpiresAt; !exp.IsZero() && !s.clock.Now().Before(exp) {
		return app.ArtifactMeta{}, nil, app.ErrNotFound
	}
	want, err := hex.DecodeString(rec.Meta.Digest)
	if err != nil {
		return app.ArtifactMeta{}, nil, fmt.Errorf("%w: stored digest unreadable", domain.ErrDigestMismatch)
	}
	var src io.ReadCloser
	if rec.External {
		f, err := s.blobs.Open(id)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return app.ArtifactMeta{}, nil, app.ErrNotFound
			}
			return app.ArtifactMeta{}, nil, err
		}
		src = f
	} else {
		src = io.NopCloser(bytes.NewReader(rec.Inline))
	}
	return rec.Meta, &verifyingReader{rc: src, h: blake3.New(), want: want, left: rec.Meta.Size}, nil
}

// List returns live artifacts, newest first.
func (s *Store) List(ctx context.Context) ([]app.ArtifactMeta, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.index.List(ctx, s.clock.Now())
}

// Delete removes the artifact and its blob file.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	external, err := s.index.Delete(ctx, id)
	if err != nil {
		return err
	}
	if external {
		if err := s.blobs.Delete(id); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// The row is gone; Reconcile picks the file up later.
			s.logger.Warn("blob delete failed", "id", domain.ArtifactID(id).Short(), "error", err)
		}
	}
	return nil
}

// DeleteExpired removes artifacts expiring before t and returns the count.
// Blob files are removed best-effort.
func (s *Store) DeleteExpired(ctx context.Context, t time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	expired, err := s.index.DeleteExpired(ctx, t)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if rec.External {
			_ = s.blobs.Delete(rec.ID)
		}
	}
	return len(expired), nil
}

// Reconcile removes blob files that no index row refers to.
func (s *Store) Reconcile(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	blobIDs, err := s.blobs.List()
	if err != nil {
		return err
	}
	extIDs, err := s.index.ListExternalIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(extIDs))
	for _, id := range extIDs {
		known[id] = struct{}{}
	}
	removed := 0
	for _, bid := range blobIDs {
		if _, ok := known[bid]; !ok {
			if err := s.blobs.Delete(bid); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("orphan blobs removed", "count", removed)
	}
	return nil
}

// verifyingReader hashes everything read and compares the digest at EOF.
type verifyingReader struct {
	rc   io.ReadCloser
	h    hash.Hash
	want []byte
	left int64
	err  error
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	n, err := v.rc.Read(p)
	v.h.Write(p[:n])
	v.left -= int64(n)
	if v.left < 0 {
		v.err = fmt.Errorf("%w: blob longer than recorded size", domain.ErrDigestMismatch)
		return n, v.err
	}
	if errors.Is(err, io.EOF) {
		if v.left != 0 || !bytes.Equal(v.h.Sum(nil), v.want) {
			v.err = domain.ErrDigestMismatch
			return n, v.err
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error { return v.rc.Close() }
