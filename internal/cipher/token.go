package cipher

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"

	"github.com/haukened/sealml/internal/domain"
)

// Token implements the Fernet scheme. Keys are the 44-character URL-safe
// base64 encoding of 32 random bytes, which is also how they are persisted.
type Token struct{}

var _ Scheme = Token{}

func (Token) Name() string { return NameToken }

// GenerateKey returns a new encoded Fernet key.
func (Token) GenerateKey() ([]byte, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("%w: generate fernet key: %v", domain.ErrCipher, err)
	}
	return []byte(k.Encode()), nil
}

// DecodeSecret uses the secret text as the key bytes.
func (t Token) DecodeSecret(secret string) ([]byte, error) {
	key := []byte(strings.TrimSpace(secret))
	if err := t.ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey checks that key decodes to a 32-byte Fernet key.
func (Token) ValidateKey(key []byte) error {
	_, err := parseFernetKey(key)
	return err
}

// Encrypt returns a Fernet token for plaintext.
func (Token) Encrypt(key, plaintext []byte) ([]byte, error) {
	k, err := parseFernetKey(key)
	if err != nil {
		return nil, err
	}
	tok, err := fernet.EncryptAndSign(plaintext, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCipher, err)
	}
	return tok, nil
}

// Decrypt verifies and decrypts a Fernet token. A zero TTL skips both the
// age and the clock-skew checks, so the token timestamp is never consulted.
func (Token) Decrypt(key, ciphertext []byte) ([]byte, error) {
	k, err := parseFernetKey(key)
	if err != nil {
		return nil, err
	}
	// Lenient base64 decoding ignores trailing bits, so a flipped bit in the
	// last symbol could decode to the same token. Require canonical text.
	if _, err := base64.URLEncoding.Strict().DecodeString(string(ciphertext)); err != nil {
		return nil, fmt.Errorf("%w: token is not canonical base64", domain.ErrIntegrity)
	}
	msg := fernet.VerifyAndDecrypt(ciphertext, 0, []*fernet.Key{k})
	if msg == nil {
		return nil, fmt.Errorf("%w: token verification failed", domain.ErrIntegrity)
	}
	return msg, nil
}

func parseFernetKey(key []byte) (*fernet.Key, error) {
	k, err := fernet.DecodeKey(strings.TrimSpace(string(key)))
	if err != nil {
		return nil, fmt.Errorf("%w: fernet key must be url-safe base64 of 32 bytes: %v", domain.ErrKeyFormat, err)
	}
	return k, nil
}
