package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/haukened/sealml/internal/domain"
)

// Source is an external secret provider. An empty string with a nil error
// means "not provided". Errors are never fatal to key resolution.
type Source interface {
	Lookup() (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (string, error)

// Lookup calls f.
func (f SourceFunc) Lookup() (string, error) { return f() }

// EnvSource reads the secret from an environment variable.
type EnvSource struct {
	Name   string
	Getenv func(string) (string, bool) // defaults to os.LookupEnv
}

// Lookup returns the trimmed variable value, or "" when unset.
func (e EnvSource) Lookup() (string, error) {
	if e.Name == "" {
		return "", nil
	}
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.LookupEnv
	}
	v, _ := getenv(e.Name)
	return strings.TrimSpace(v), nil
}

// FileSource reads the secret from a mounted secrets file (for example
// /run/secrets/fernet_key). A missing file means "not provided".
type FileSource struct {
	Path string
}

// Lookup returns the trimmed file content.
func (f FileSource) Lookup() (string, error) {
	if f.Path == "" {
		return "", nil
	}
	b, err := os.ReadFile(f.Path) // #nosec G304 operator-configured secrets path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", domain.ErrKeySource, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// probe calls src.Lookup, converting errors and panics into ErrKeySource.
func probe(src Source) (secret string, err error) {
	defer func() {
		if r := recover(); r != nil {
			secret, err = "", fmt.Errorf("%w: source panicked: %v", domain.ErrKeySource, r)
		}
	}()
	secret, err = src.Lookup()
	if err != nil && !errors.Is(err, domain.ErrKeySource) {
		err = fmt.Errorf("%w: %v", domain.ErrKeySource, err)
	}
	return secret, err
}
