package store_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/domain"
	"github.com/haukened/sealml/internal/store"
	"github.com/haukened/sealml/internal/store/filesystem"
	"github.com/haukened/sealml/internal/store/sqlite"
)

// fixedClock implements app.Clock for deterministic tests.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

var testNow = time.Unix(1700000000, 0).UTC()

type harness struct {
	st      *store.Store
	blobDir string
	db      *sql.DB
}

func newHarness(t *testing.T, inlineMax int64) harness {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "store.db?_busy_timeout=5000")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ix, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	blobDir := t.TempDir()
	bs, err := filesystem.New(blobDir)
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	return harness{st: store.New(ix, bs, fixedClock{now: testNow}, inlineMax, nil), blobDir: blobDir, db: db}
}

func id(c byte) string { return strings.Repeat(string(c), 32) }

func meta(c byte, expires time.Time) app.ArtifactMeta {
	return app.ArtifactMeta{ID: id(c), Name: "a.csv.zip.enc", Kind: app.KindManual, Scheme: "token", ExpiresAt: expires}
}

func readAll(t *testing.T, rc io.ReadCloser) ([]byte, error) {
	t.Helper()
	defer rc.Close()
	return io.ReadAll(rc)
}

func TestStoreSaveOpenInline(t *testing.T) {
	h := newHarness(t, 64)
	ctx := context.Background()
	data := []byte("hello-inline")
	saved, err := h.st.Save(ctx, meta('a', time.Time{}), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Save inline: %v", err)
	}
	if saved.Size != int64(len(data)) || len(saved.Digest) != 64 || !saved.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected saved meta: %+v", saved)
	}
	if entries, _ := os.ReadDir(h.blobDir); len(entries) != 0 {
		t.Fatalf("inline artifact must not create blob files")
	}
	for i := 0; i < 2; i++ {
		got, rc, err := h.st.Open(ctx, id('a'))
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		b, err := readAll(t, rc)
		if err != nil || !bytes.Equal(b, data) {
			t.Fatalf("read #%d: %q %v", i, b, err)
		}
		if got != saved {
			t.Fatalf("meta mismatch:\n got %+v\nwant %+v", got, saved)
		}
	}
}

func TestStoreSaveOpenExternal(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	data := []byte("this-is-external-data")
	saved, err := h.st.Save(ctx, meta('b', time.Time{}), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Save external: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.blobDir, id('b')+".blob")); err != nil {
		t.Fatalf("expected blob file: %v", err)
	}
	_, rc, err := h.st.Open(ctx, id('b'))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := readAll(t, rc)
	if err != nil || !bytes.Equal(b, data) {
		t.Fatalf("read: %q %v", b, err)
	}
	if saved.Digest == "" {
		t.Fatalf("digest not recorded")
	}
}

func TestStoreDigestMismatchOnTamperedBlob(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	data := []byte("0123456789abcdef")
	if _, err := h.st.Save(ctx, meta('c', time.Time{}), bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(h.blobDir, id('c')+".blob")
	tampered := append([]byte(nil), data...)
	tampered[3] ^= 0x01
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, rc, err := h.st.Open(ctx, id('c'))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := readAll(t, rc); !errors.Is(err, domain.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}

	if err := os.WriteFile(path, append(data, 'x'), 0o600); err != nil {
		t.Fatalf("extend: %v", err)
	}
	_, rc, err = h.st.Open(ctx, id('c'))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := readAll(t, rc); !errors.Is(err, domain.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch for longer blob, got %v", err)
	}
}

func TestStoreDigestMismatchOnTamperedRow(t *testing.T) {
	h := newHarness(t, 64)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('d', time.Time{}), bytes.NewReader([]byte("abc")), 3); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := h.db.Exec(`UPDATE artifacts SET inline=? WHERE id=?`, []byte("abd"), id('d')); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, rc, err := h.st.Open(ctx, id('d'))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := readAll(t, rc); !errors.Is(err, domain.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestStoreOpenExpiredAndMissing(t *testing.T) {
	h := newHarness(t, 64)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('e', testNow.Add(-time.Minute)), bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, _, err := h.st.Open(ctx, id('e')); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired artifact, got %v", err)
	}
	if _, _, err := h.st.Open(ctx, id('f')); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing artifact, got %v", err)
	}
}

func TestStoreOpenMissingBlobFile(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('a', time.Time{}), bytes.NewReader([]byte("xyz")), 3); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Remove(filepath.Join(h.blobDir, id('a')+".blob")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := h.st.Open(ctx, id('a')); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('1', time.Time{}), bytes.NewReader([]byte("ab")), 2); err != nil {
		t.Fatalf("save inline: %v", err)
	}
	if _, err := h.st.Save(ctx, meta('2', time.Time{}), bytes.NewReader([]byte("external")), 8); err != nil {
		t.Fatalf("save external: %v", err)
	}
	list, err := h.st.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List: %v %+v", err, list)
	}
	if err := h.st.Delete(ctx, id('2')); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.blobDir, id('2')+".blob")); !os.IsNotExist(err) {
		t.Fatalf("blob should be removed, err=%v", err)
	}
	if err := h.st.Delete(ctx, id('2')); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, _ = h.st.List(ctx)
	if len(list) != 1 || list[0].ID != id('1') {
		t.Fatalf("unexpected list after delete: %+v", list)
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	past := testNow.Add(-5 * time.Minute)
	if _, err := h.st.Save(ctx, meta('a', past), bytes.NewReader([]byte("external-data")), 13); err != nil {
		t.Fatalf("save ext: %v", err)
	}
	if _, err := h.st.Save(ctx, meta('b', past), bytes.NewReader([]byte("inl")), 3); err != nil {
		t.Fatalf("save inl: %v", err)
	}
	if _, err := h.st.Save(ctx, meta('c', testNow.Add(5*time.Minute)), bytes.NewReader([]byte("f")), 1); err != nil {
		t.Fatalf("save future: %v", err)
	}
	if _, err := h.st.Save(ctx, meta('d', time.Time{}), bytes.NewReader([]byte("k")), 1); err != nil {
		t.Fatalf("save forever: %v", err)
	}
	count, err := h.st.DeleteExpired(ctx, testNow)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 expired removed, got %d", count)
	}
	if _, err := os.Stat(filepath.Join(h.blobDir, id('a')+".blob")); !os.IsNotExist(err) {
		t.Fatalf("expected external blob removed, err=%v", err)
	}
	list, _ := h.st.List(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 survivors, got %+v", list)
	}
}

func TestStoreReconcileDeletesOrphan(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('a', time.Time{}), bytes.NewReader([]byte("kept-blob")), 9); err != nil {
		t.Fatalf("Save: %v", err)
	}
	orphan := filepath.Join(h.blobDir, id('9')+".blob")
	if err := os.WriteFile(orphan, []byte("zzz"), 0o600); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	for _, p := range []string{orphan, filepath.Join(h.blobDir, id('a')+".blob")} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if err := h.st.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphan removed, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(h.blobDir, id('a')+".blob")); err != nil {
		t.Fatalf("referenced blob removed: %v", err)
	}
}

// failingIndex rejects every insert.
type failingIndex struct{ store.Index }

func (failingIndex) Insert(context.Context, store.Record) error { return errors.New("insert failed") }

func TestStoreSaveRemovesBlobWhenInsertFails(t *testing.T) {
	blobDir := t.TempDir()
	bs, _ := filesystem.New(blobDir)
	st := store.New(failingIndex{}, bs, fixedClock{now: testNow}, 1, nil)
	if _, err := st.Save(context.Background(), meta('a', time.Time{}), bytes.NewReader([]byte("abc")), 3); err == nil {
		t.Fatalf("expected insert error")
	}
	if entries, _ := os.ReadDir(blobDir); len(entries) != 0 {
		t.Fatalf("blob left behind after failed insert")
	}
}

func TestStoreSaveValidation(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	if _, err := h.st.Save(ctx, meta('a', time.Time{}), bytes.NewReader(nil), -1); err == nil {
		t.Fatalf("expected error for negative size")
	}
	bad := meta('a', time.Time{})
	bad.ID = "../x"
	if _, err := h.st.Save(ctx, bad, bytes.NewReader([]byte("a")), 1); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := h.st.Save(ctx, meta('b', time.Time{}), bytes.NewReader([]byte("a")), 2); err == nil {
		t.Fatalf("expected short read error")
	}
}

func TestStoreNilGuards(t *testing.T) {
	var s *store.Store
	ctx := context.Background()
	if _, err := s.Save(ctx, meta('a', time.Time{}), bytes.NewReader([]byte("a")), 1); err == nil {
		t.Fatalf("expected error on nil store Save")
	}
	if _, _, err := s.Open(ctx, id('a')); err == nil {
		t.Fatalf("expected error on nil store Open")
	}
	s = store.New(nil, nil, nil, 10, nil)
	if _, err := s.List(ctx); err == nil {
		t.Fatalf("expected error with nil index")
	}
	if err := s.Reconcile(ctx); err == nil {
		t.Fatalf("expected error with nil index")
	}
	if _, err := s.DeleteExpired(ctx, testNow); err == nil {
		t.Fatalf("expected error with nil index")
	}
}
