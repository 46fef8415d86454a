// Package cipher provides the two interchangeable encryption schemes used to
// protect archives at rest. Exactly one scheme is active per deployment and
// is chosen by configuration through New.
//
//   - Token: Fernet tokens (AES-128-CBC + HMAC-SHA256, embedded timestamp and
//     random IV). Tampering or a wrong key fails with domain.ErrIntegrity.
//   - Stream: AES-256-CTR with the counter restarting at a fixed value on
//     every call. Ciphertext is as long as the plaintext and carries no
//     integrity check. Kept for compatibility with existing blobs.
//
// Keys are opaque bytes obtained from the keystore.
package cipher

import (
	"fmt"
	"log/slog"

	"github.com/haukened/sealml/internal/domain"
	"github.com/haukened/sealml/internal/keystore"
)

// Scheme names accepted by New.
const (
	NameToken  = "token"
	NameStream = "stream"
)

// Ext is the file extension signalling the encryption layer.
const Ext = "enc"

// Scheme encrypts and decrypts opaque blobs and describes its key shape.
type Scheme interface {
	keystore.Shape
	Name() string
	Encrypt(key, plaintext []byte) ([]byte, error)
	Decrypt(key, ciphertext []byte) ([]byte, error)
}

// New returns the scheme registered under name.
func New(name string, logger *slog.Logger) (Scheme, error) {
	switch name {
	case NameToken, "":
		return Token{}, nil
	case NameStream:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("stream scheme restarts its counter on every message; any key reuse leaks plaintext relationships, prefer the token scheme",
			"domain", "cipher", "scheme", NameStream)
		return Stream{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedScheme, name)
	}
}

// Names lists the registered schemes.
func Names() []string { return []string{NameToken, NameStream} }
