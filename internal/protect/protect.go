// Package protect composes the key store, the archive codec and the active
// cipher scheme into the artifact protection pipeline:
//
//	Protect:   name, payload -> archive.Pack -> Scheme.Encrypt(key) -> blob
//	Unprotect: blob -> Scheme.Decrypt(key) -> archive.Unpack -> first entry
//
// A Protector holds no mutable state; every call is an independent,
// retryable transform and all errors reach the caller unchanged.
package protect

import (
	"errors"
	"log/slog"

	"github.com/haukened/sealml/internal/archive"
	"github.com/haukened/sealml/internal/cipher"
	"github.com/haukened/sealml/internal/domain"
)

// KeyProvider supplies the active key. *keystore.Store satisfies it.
type KeyProvider interface {
	Key() ([]byte, error)
}

// Result is the outcome of Unprotect.
type Result struct {
	Name    string
	Payload []byte
	// Extras names the entries that followed the selected one in an archive
	// of foreign origin. Empty for archives produced by Protect.
	Extras []string
}

// Protector orchestrates the protection pipeline.
type Protector struct {
	keys   KeyProvider
	scheme cipher.Scheme
	codec  archive.Codec
	logger *slog.Logger
}

// Option configures a Protector.
type Option func(*Protector)

// WithCodec overrides the archive codec settings.
func WithCodec(c archive.Codec) Option { return func(p *Protector) { p.codec = c } }

// WithLogger sets the logger used for extra-entry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protector) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Protector using keys and scheme.
func New(keys KeyProvider, scheme cipher.Scheme, opts ...Option) (*Protector, error) {
	if keys == nil {
		return nil, errors.New("protect: key provider is nil")
	}
	if scheme == nil {
		return nil, errors.New("protect: cipher scheme is nil")
	}
	p := &Protector{keys: keys, scheme: scheme, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("domain", "protect")
	return p, nil
}

// Scheme returns the name of the active cipher scheme.
func (p *Protector) Scheme() string { return p.scheme.Name() }

// Protect packs payload under name and encrypts the archive.
func (p *Protector) Protect(name string, payload []byte) ([]byte, error) {
	if name == "" {
		return nil, domain.ErrEmptyName
	}
	packed, err := p.codec.Pack(name, payload)
	if err != nil {
		return nil, err
	}
	key, err := p.keys.Key()
	if err != nil {
		return nil, err
	}
	return p.scheme.Encrypt(key, packed)
}

// Open decrypts blob and returns every archive entry without applying the
// selection policy.
func (p *Protector) Open(blob []byte) ([]archive.Entry, error) {
	key, err := p.keys.Key()
	if err != nil {
		return nil, err
	}
	packed, err := p.scheme.Decrypt(key, blob)
	if err != nil {
		return nil, err
	}
	return p.codec.Unpack(packed)
}

// Unprotect decrypts blob and returns the first archive entry. Additional
// entries are logged and listed in Result.Extras; an empty archive fails
// with domain.ErrEmptyArchive.
func (p *Protector) Unprotect(blob []byte) (Result, error) {
	entries, err := p.Open(blob)
	if err != nil {
		return Result{}, err
	}
	selected, extras, err := archive.Select(entries)
	if err != nil {
		return Result{}, err
	}
	res := Result{Name: selected.Name, Payload: selected.Data}
	if len(extras) > 0 {
		res.Extras = archive.Names(extras)
		p.logger.Warn("archive holds several entries, returning the first", "selected", selected.Name, "ignored", len(extras))
	}
	return res, nil
}

// FileName returns the conventional name of a protected copy of name,
// e.g. "train.csv" -> "train.csv.zip.enc".
func FileName(name string) string {
	return name + "." + archive.Ext + "." + cipher.Ext
}

// OriginalName strips the protection suffixes added by FileName. Names
// without the suffix are returned unchanged.
func OriginalName(fileName string) string {
	suffix := "." + archive.Ext + "." + cipher.Ext
	if len(fileName) > len(suffix) && fileName[len(fileName)-len(suffix):] == suffix {
		return fileName[:len(fileName)-len(suffix)]
	}
	return fileName
}
