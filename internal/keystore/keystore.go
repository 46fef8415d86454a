// Package keystore resolves and persists the single symmetric key used to
// protect artifacts. Resolution is tiered: external secret sources first, then
// a key file at a well-known path, then local generation into that path.
//
// A Store is constructed once per process and injected wherever a key is
// needed. The resolved key is cached for the lifetime of the Store.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/haukened/sealml/internal/domain"
)

// Shape describes the key a cipher scheme expects. cipher.Scheme satisfies it.
type Shape interface {
	// GenerateKey returns a fresh random key in the scheme's persisted form.
	GenerateKey() ([]byte, error)
	// DecodeSecret converts an externally supplied secret into key bytes.
	DecodeSecret(secret string) ([]byte, error)
	// ValidateKey returns an error wrapping domain.ErrKeyFormat when key is
	// not usable by the scheme.
	ValidateKey(key []byte) error
}

// Origin records which resolution tier produced the key.
type Origin int

const (
	OriginUnresolved Origin = iota
	OriginSecret
	OriginFile
	OriginGenerated
)

func (o Origin) String() string {
	switch o {
	case OriginSecret:
		return "secret"
	case OriginFile:
		return "file"
	case OriginGenerated:
		return "generated"
	default:
		return "unresolved"
	}
}

// Store resolves the key once and serves copies of it afterwards.
// It is safe for concurrent use.
type Store struct {
	path    string
	shape   Shape
	sources []Source
	logger  *slog.Logger

	mu     sync.Mutex
	cached *memguard.Enclave
	origin Origin
}

// Option configures a Store.
type Option func(*Store)

// WithSource appends an external secret source. Sources are probed in the
// order they were added.
func WithSource(src Source) Option {
	return func(s *Store) {
		if src != nil {
			s.sources = append(s.sources, src)
		}
	}
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store persisting generated keys at path.
func New(path string, shape Shape, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("keystore: key file path is empty")
	}
	if shape == nil {
		return nil, errors.New("keystore: key shape is nil")
	}
	s := &Store{path: path, shape: shape, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("domain", "keystore")
	return s, nil
}

// Path returns the well-known key file location.
func (s *Store) Path() string { return s.path }

// Origin reports which tier resolved the key, or OriginUnresolved before the
// first successful Key call.
func (s *Store) Origin() Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// Key returns the active key. The first call resolves it; later calls return
// the same bytes. The returned slice is a copy owned by the caller.
func (s *Store) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.openCached()
	}
	key, origin, err := s.resolve()
	if err != nil {
		return nil, err
	}
	if err := s.shape.ValidateKey(key); err != nil {
		return nil, keyFormat(origin, err)
	}
	out := bytes.Clone(key)
	s.cached = memguard.NewEnclave(key) // wipes key
	s.origin = origin
	s.logger.Info("key resolved", "origin", origin.String(), "path", s.path)
	return out, nil
}

func (s *Store) openCached() ([]byte, error) {
	buf, err := s.cached.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open cached key: %v", domain.ErrKeyIO, err)
	}
	defer buf.Destroy()
	return bytes.Clone(buf.Bytes()), nil
}

func (s *Store) resolve() ([]byte, Origin, error) {
	for i, src := range s.sources {
		secret, err := probe(src)
		if err != nil {
			s.logger.Warn("key source unavailable, trying next", "source", i, "err", err)
			continue
		}
		if secret == "" {
			continue
		}
		key, err := s.shape.DecodeSecret(secret)
		if err != nil {
			return nil, OriginSecret, keyFormat(OriginSecret, err)
		}
		return key, OriginSecret, nil
	}
	key, err := readKeyFile(s.path)
	if err == nil {
		return key, OriginFile, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, OriginFile, err
	}
	return s.generate()
}

// generate creates a key and publishes it with a hard link so the key file
// appears complete or not at all. When another process wins the race the
// freshly generated key is discarded in favour of the winner's.
func (s *Store) generate() ([]byte, Origin, error) {
	key, err := s.shape.GenerateKey()
	if err != nil {
		return nil, OriginGenerated, err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, OriginGenerated, fmt.Errorf("%w: create key dir: %v", domain.ErrKeyIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return nil, OriginGenerated, fmt.Errorf("%w: create temp key: %v", domain.ErrKeyIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(key); err != nil {
		_ = tmp.Close()
		return nil, OriginGenerated, fmt.Errorf("%w: write temp key: %v", domain.ErrKeyIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, OriginGenerated, fmt.Errorf("%w: sync temp key: %v", domain.ErrKeyIO, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, OriginGenerated, fmt.Errorf("%w: close temp key: %v", domain.ErrKeyIO, err)
	}
	if err := os.Link(tmpName, s.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			winner, rerr := readKeyFile(s.path)
			if rerr != nil {
				return nil, OriginFile, rerr
			}
			s.logger.Info("key file created concurrently, using existing key", "path", s.path)
			return winner, OriginFile, nil
		}
		return nil, OriginGenerated, fmt.Errorf("%w: publish key: %v", domain.ErrKeyIO, err)
	}
	syncDir(dir)
	s.logger.Warn("generated local key file; supply an external secret in production", "path", s.path)
	return key, OriginGenerated, nil
}

func readKeyFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path) // #nosec G304 operator-configured key path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read key file: %v", domain.ErrKeyIO, err)
	}
	return b, nil
}

// syncDir flushes the directory entry of a newly linked key file. Failures
// are ignored: the key file itself was already fsynced.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func keyFormat(origin Origin, err error) error {
	if errors.Is(err, domain.ErrKeyFormat) {
		return fmt.Errorf("%s key: %w", origin, err)
	}
	return fmt.Errorf("%w: %s key: %v", domain.ErrKeyFormat, origin, err)
}
