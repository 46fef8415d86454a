package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/haukened/sealml/internal/domain"
)

// StreamKeySize is the AES-256 key length required by the stream scheme.
const StreamKeySize = 32

// streamIV is the fixed initial counter block. Every message starts from the
// same counter, so two messages under one key share a keystream.
var streamIV = make([]byte, aes.BlockSize)

// Stream implements raw AES-256-CTR. Encrypt and Decrypt are the same
// transform.
type Stream struct{}

var _ Scheme = Stream{}

func (Stream) Name() string { return NameStream }

// GenerateKey returns 32 random bytes.
func (Stream) GenerateKey() ([]byte, error) {
	k := make([]byte, StreamKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("%w: generate stream key: %v", domain.ErrCipher, err)
	}
	return k, nil
}

// DecodeSecret accepts the key as standard or URL-safe base64, or as hex.
func (s Stream) DecodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		if k, err := decode(secret); err == nil && len(k) == StreamKeySize {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: stream secret must encode exactly %d bytes as base64 or hex", domain.ErrKeyFormat, StreamKeySize)
}

// ValidateKey requires exactly StreamKeySize bytes.
func (Stream) ValidateKey(key []byte) error {
	if len(key) != StreamKeySize {
		return fmt.Errorf("%w: stream key must be %d bytes, got %d", domain.ErrKeyFormat, StreamKeySize, len(key))
	}
	return nil
}

func (s Stream) Encrypt(key, plaintext []byte) ([]byte, error) { return s.xor(key, plaintext) }

func (s Stream) Decrypt(key, ciphertext []byte) ([]byte, error) { return s.xor(key, ciphertext) }

func (s Stream) xor(key, in []byte) ([]byte, error) {
	if err := s.ValidateKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCipher, err)
	}
	out := make([]byte, len(in))
	gocipher.NewCTR(block, streamIV).XORKeyStream(out, in)
	return out, nil
}
