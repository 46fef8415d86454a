// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidID         = errors.New("invalid artifact id")
	ErrRetentionInvalid  = errors.New("retention invalid")
	ErrParse             = errors.New("dataset parse error")
	ErrModelNotTrained   = errors.New("model not trained")
	ErrDigestMismatch    = errors.New("artifact digest mismatch")
	ErrUnsupportedScheme = errors.New("unsupported cipher scheme")
	ErrEmptyName         = errors.New("artifact name must not be empty")
)

// Errors of the artifact protection pipeline. Only ErrKeySource is recoverable:
// the key store treats it as "secret not provided" and tries the next tier.
var (
	ErrKeySource     = errors.New("key source unavailable")
	ErrKeyIO         = errors.New("key file i/o failed")
	ErrKeyFormat     = errors.New("key not shaped for cipher scheme")
	ErrArchiveFormat = errors.New("invalid archive")
	ErrEmptyArchive  = errors.New("archive is empty")
	ErrIntegrity     = errors.New("integrity check failed")
	ErrCipher        = errors.New("cipher failure")
)

// IsKeySource reports whether err is or wraps ErrKeySource.
func IsKeySource(err error) bool { return errors.Is(err, ErrKeySource) }

// IsKeyIO reports whether err is or wraps ErrKeyIO.
func IsKeyIO(err error) bool { return errors.Is(err, ErrKeyIO) }

// IsKeyFormat reports whether err is or wraps ErrKeyFormat.
func IsKeyFormat(err error) bool { return errors.Is(err, ErrKeyFormat) }

// IsArchiveFormat reports whether err is or wraps ErrArchiveFormat.
func IsArchiveFormat(err error) bool { return errors.Is(err, ErrArchiveFormat) }

// IsIntegrity reports whether err is or wraps ErrIntegrity.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }
