// Package sqlite provides a SQLite-backed implementation of the store.Index
// port for artifact metadata and inline blobs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ store.Index = (*Index)(nil)

// Index implements store.Index using database/sql. It is safe for
// concurrent use.
type Index struct{ db *sql.DB }

// New constructs an Index, creating the schema if absent.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		return nil, err
	}
	return ix, nil
}

const schema = `CREATE TABLE IF NOT EXISTS artifacts (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
kind TEXT NOT NULL,
scheme TEXT NOT NULL,
size INTEGER NOT NULL,
digest TEXT NOT NULL,
inline BLOB,
external INTEGER NOT NULL DEFAULT 0,
created_at INTEGER NOT NULL,
expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS artifacts_expires_at ON artifacts(expires_at);`

func (i *Index) init() error {
	_, err := i.db.Exec(schema)
	return err
}

// unix maps the zero time to 0 so "no expiry" survives the round trip.
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Insert stores a new artifact row.
func (i *Index) Insert(ctx context.Context, rec store.Record) error {
	const q = `INSERT INTO artifacts (id, name, kind, scheme, size, digest, inline, external, created_at, expires_at) VALUES (?,?,?,?,?,?,?,?,?,?)`
	m := rec.Meta
	_, err := i.db.ExecContext(ctx, q, m.ID, m.Name, string(m.Kind), m.Scheme, m.Size, m.Digest, rec.Inline, boolInt(rec.External), unix(m.CreatedAt), unix(m.ExpiresAt))
	return err
}

// Get returns the row for id.
func (i *Index) Get(ctx context.Context, id string) (store.Record, error) {
	const q = `SELECT id, name, kind, scheme, size, digest, inline, external, created_at, expires_at FROM artifacts WHERE id=?`
	var (
		rec              store.Record
		kind             string
		ext              int
		created, expires int64
	)
	m := &rec.Meta
	err := i.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Name, &kind, &m.Scheme, &m.Size, &m.Digest, &rec.Inline, &ext, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, app.ErrNotFound
		}
		return store.Record{}, err
	}
	m.Kind = app.Kind(kind)
	m.CreatedAt = fromUnix(created)
	m.ExpiresAt = fromUnix(expires)
	rec.External = ext == 1
	return rec, nil
}

// List returns metadata of rows that are not expired at now, newest first.
func (i *Index) List(ctx context.Context, now time.Time) ([]app.ArtifactMeta, error) {
	const q = `SELECT id, name, kind, scheme, size, digest, created_at, expires_at FROM artifacts
WHERE expires_at = 0 OR expires_at > ? ORDER BY created_at DESC, rowid DESC`
	rows, err := i.db.QueryContext(ctx, q, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []app.ArtifactMeta{}
	for rows.Next() {
		var (
			m                app.ArtifactMeta
			kind             string
			created, expires int64
		)
		if err := rows.Scan(&m.ID, &m.Name, &kind, &m.Scheme, &m.Size, &m.Digest, &created, &expires); err != nil {
			return nil, err
		}
		m.Kind = app.Kind(kind)
		m.CreatedAt = fromUnix(created)
		m.ExpiresAt = fromUnix(expires)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the row for id and reports whether its blob is external.
func (i *Index) Delete(ctx context.Context, id string) (bool, error) {
	const q = `DELETE FROM artifacts WHERE id=? RETURNING external`
	var ext int
	if err := i.db.QueryRowContext(ctx, q, id).Scan(&ext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, app.ErrNotFound
		}
		return false, err
	}
	return ext == 1, nil
}

// DeleteExpired selects rows with a non-zero expiry before t and deletes
// them in one transaction, returning records for blob cleanup.
func (i *Index) DeleteExpired(ctx context.Context, t time.Time) (recs []store.ExpiredRecord, err error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const sel = `SELECT id, external FROM artifacts WHERE expires_at > 0 AND expires_at < ?`
	rows, err := tx.QueryContext(ctx, sel, t.Unix())
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r store.ExpiredRecord
		var ext int
		if err = rows.Scan(&r.ID, &ext); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return nil, fmt.Errorf("scan error: %v; close error: %w", err, cErr)
			}
			return nil, err
		}
		r.External = ext == 1
		recs = append(recs, r)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	const del = `DELETE FROM artifacts WHERE expires_at > 0 AND expires_at < ?`
	if _, err = tx.ExecContext(ctx, del, t.Unix()); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ListExternalIDs returns IDs of artifacts held in blob storage.
func (i *Index) ListExternalIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT id FROM artifacts WHERE external=1`
	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
