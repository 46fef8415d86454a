package cipher

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/sealml/internal/domain"
)

// Published Fernet test vector; tokens minted by other implementations must
// stay readable.
const (
	vectorKey   = "cw_0x689RpI-jtRR7oE8h_eQsKImvJapLeSbXpwF4e4="
	vectorToken = "gAAAAAAdwJ6wAAECAwQFBgcICQoLDA0ODy021cpGVWKZ_eEwCGM4BLLF_5CV9dOPmrhuVUPgJobwOz7JcbmrR64jVmpU4IwqDA=="
)

func mustKey(t *testing.T, s Scheme) []byte {
	t.Helper()
	k, err := s.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.ValidateKey(k))
	return k
}

func TestNew(t *testing.T) {
	s, err := New("token", nil)
	require.NoError(t, err)
	assert.Equal(t, NameToken, s.Name())

	s, err = New("", nil)
	require.NoError(t, err)
	assert.Equal(t, NameToken, s.Name(), "token is the default scheme")

	s, err = New("stream", nil)
	require.NoError(t, err)
	assert.Equal(t, NameStream, s.Name())

	_, err = New("rot13", nil)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedScheme))
	assert.ElementsMatch(t, []string{"token", "stream"}, Names())
}

func TestRoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		[]byte("time,x\n1,2\n"),
		{},
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}
	for _, s := range []Scheme{Token{}, Stream{}} {
		key := mustKey(t, s)
		for _, pt := range plaintexts {
			ct, err := s.Encrypt(key, pt)
			require.NoError(t, err, s.Name())
			got, err := s.Decrypt(key, ct)
			require.NoError(t, err, s.Name())
			assert.True(t, bytes.Equal(pt, got), "%s round trip mismatch", s.Name())
		}
	}
}

func TestTokenKnownVector(t *testing.T) {
	got, err := Token{}.Decrypt([]byte(vectorKey), []byte(vectorToken))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestTokenIgnoresTimestamp(t *testing.T) {
	key := mustKey(t, Token{})
	k, err := fernet.DecodeKey(string(key))
	require.NoError(t, err)
	for _, at := range []time.Time{
		time.Now().Add(2 * time.Minute),
		time.Now().Add(24 * time.Hour),
		time.Unix(0, 0),
	} {
		tok, err := fernet.EncryptAndSignAtTime([]byte("zip bytes"), k, at)
		require.NoError(t, err)
		got, err := Token{}.Decrypt(key, tok)
		require.NoError(t, err, "stamped %v", at)
		assert.Equal(t, "zip bytes", string(got))
	}
}

func TestTokenNonDeterministic(t *testing.T) {
	key := mustKey(t, Token{})
	a, err := Token{}.Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := Token{}.Encrypt(key, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh IV per token")
}

func TestTokenDetectsEveryBitFlip(t *testing.T) {
	key := mustKey(t, Token{})
	ct, err := Token{}.Encrypt(key, []byte("time,x\n1,2\n"))
	require.NoError(t, err)
	for i := range ct {
		for bit := 0; bit < 8; bit++ {
			tampered := bytes.Clone(ct)
			tampered[i] ^= 1 << bit
			pt, err := Token{}.Decrypt(key, tampered)
			if !errors.Is(err, domain.ErrIntegrity) {
				t.Fatalf("byte %d bit %d: err = %v, plaintext %q", i, bit, err, pt)
			}
		}
	}
}

func TestTokenWrongKey(t *testing.T) {
	ct, err := Token{}.Encrypt(mustKey(t, Token{}), []byte("payload"))
	require.NoError(t, err)
	_, err = Token{}.Decrypt(mustKey(t, Token{}), ct)
	assert.True(t, domain.IsIntegrity(err), "got %v", err)
}

func TestTokenKeyShape(t *testing.T) {
	assert.NoError(t, Token{}.ValidateKey([]byte(vectorKey)))
	assert.NoError(t, Token{}.ValidateKey([]byte(vectorKey+"\n")), "trailing newline from a hand-written key file is tolerated")
	for _, bad := range [][]byte{nil, []byte("short"), make([]byte, 32)} {
		assert.True(t, domain.IsKeyFormat(Token{}.ValidateKey(bad)), "key %q", bad)
	}
	_, err := Token{}.Encrypt(make([]byte, 32), []byte("x"))
	assert.True(t, domain.IsKeyFormat(err))

	k, err := Token{}.DecodeSecret("  " + vectorKey + " ")
	require.NoError(t, err)
	assert.Equal(t, vectorKey, string(k))
	_, err = Token{}.DecodeSecret("not-a-key")
	assert.True(t, domain.IsKeyFormat(err))
}

func TestStreamProperties(t *testing.T) {
	key := mustKey(t, Stream{})
	pt := []byte("time,x\n1,2\n3,4\n")
	ct, err := Stream{}.Encrypt(key, pt)
	require.NoError(t, err)
	assert.Len(t, ct, len(pt))
	assert.NotEqual(t, pt, ct)

	again, err := Stream{}.Encrypt(key, pt)
	require.NoError(t, err)
	assert.Equal(t, ct, again, "fixed counter start makes the transform deterministic")

	// No integrity: a flipped bit decrypts to a flipped bit.
	tampered := bytes.Clone(ct)
	tampered[0] ^= 0x01
	out, err := Stream{}.Decrypt(key, tampered)
	require.NoError(t, err)
	assert.Equal(t, pt[0]^0x01, out[0])

	other := mustKey(t, Stream{})
	garbage, err := Stream{}.Decrypt(other, ct)
	require.NoError(t, err)
	assert.NotEqual(t, pt, garbage)
}

func TestStreamKeyShape(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, StreamKeySize)
	assert.NoError(t, Stream{}.ValidateKey(raw))
	assert.True(t, domain.IsKeyFormat(Stream{}.ValidateKey(raw[:16])))
	_, err := Stream{}.Encrypt(raw[:31], []byte("x"))
	assert.True(t, domain.IsKeyFormat(err))

	encodings := []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		hex.EncodeToString(raw),
	}
	for _, enc := range encodings {
		k, err := Stream{}.DecodeSecret(enc)
		require.NoError(t, err, enc)
		assert.Equal(t, raw, k)
	}
	_, err = Stream{}.DecodeSecret(base64.StdEncoding.EncodeToString(raw[:16]))
	assert.True(t, domain.IsKeyFormat(err))
	_, err = Stream{}.DecodeSecret(vectorKey[:10])
	assert.True(t, domain.IsKeyFormat(err))
}
