// Package archive packs named payloads into ZIP containers in memory and
// unpacks containers back into their entries. Archives produced here always
// hold exactly one DEFLATE entry; archives read here may hold any number.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/haukened/sealml/internal/domain"
)

// Ext is the file extension signalling the archive layer.
const Ext = "zip"

// Entry is one named member of an archive.
type Entry struct {
	Name string
	Data []byte
}

// Codec builds and parses archives. The zero value is ready to use.
type Codec struct {
	// Level is the DEFLATE level (flate.BestSpeed..flate.BestCompression).
	// Zero selects flate.DefaultCompression.
	Level int
	// MaxEntrySize caps the decompressed size of a single entry on Unpack.
	// Zero disables the cap.
	MaxEntrySize int64
	// Now stamps entry modification times. Defaults to time.Now.
	Now func() time.Time
}

// Pack returns a single-entry archive holding payload under name. The name is
// stored verbatim; callers own any path sanitization.
func (c Codec) Pack(name string, payload []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: now(),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create entry: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("archive: write entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: finish: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack parses data fully and returns every entry in archive order.
// Entry names are returned verbatim, including names the zip reader flags as
// insecure paths. Anything that is not a readable ZIP container fails with
// domain.ErrArchiveFormat.
func (c Codec) Unpack(data []byte) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !(zr != nil && errors.Is(err, zip.ErrInsecurePath)) {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveFormat, err)
	}
	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		b, err := c.readEntry(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: f.Name, Data: b})
	}
	return entries, nil
}

func (c Codec) readEntry(f *zip.File) ([]byte, error) {
	if c.MaxEntrySize > 0 && f.UncompressedSize64 > uint64(c.MaxEntrySize) {
		return nil, fmt.Errorf("%w: entry %q declares %d bytes, limit %d", domain.ErrArchiveFormat, f.Name, f.UncompressedSize64, c.MaxEntrySize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open entry %q: %v", domain.ErrArchiveFormat, f.Name, err)
	}
	defer rc.Close()
	var r io.Reader = rc
	if c.MaxEntrySize > 0 {
		r = io.LimitReader(rc, c.MaxEntrySize+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry %q: %v", domain.ErrArchiveFormat, f.Name, err)
	}
	if c.MaxEntrySize > 0 && int64(len(b)) > c.MaxEntrySize {
		return nil, fmt.Errorf("%w: entry %q exceeds %d bytes", domain.ErrArchiveFormat, f.Name, c.MaxEntrySize)
	}
	return b, nil
}

// Select applies the policy for archives of unknown origin: an empty archive
// is an error, otherwise the first entry is selected and the rest are
// returned as extras for the caller to report.
func Select(entries []Entry) (selected Entry, extras []Entry, err error) {
	if len(entries) == 0 {
		return Entry{}, nil, domain.ErrEmptyArchive
	}
	return entries[0], entries[1:], nil
}

// Names lists entry names in order.
func Names(entries []Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}
