package sealio

import (
	"fmt"
	"path"
	"strings"
)

// Input validation helpers for defensive programming

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ConfigError{
			Field:   name,
			Message: "buffer cannot be nil",
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ConfigError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ConfigError{
			Field:   "key",
			Message: "key cannot be nil",
		}
	}

	if len(key) != expectedSize {
		return &ConfigError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}

	return nil
}

// ValidateNonce checks if a nonce has the correct size for a cipher
func ValidateNonce(nonce []byte, cipher CipherSuite) error {
	if nonce == nil {
		return &ConfigError{
			Field:   "nonce",
			Message: "nonce cannot be nil",
		}
	}

	if cipher != CipherAES256GCM && cipher != CipherChaCha20Poly1305 {
		return &ConfigError{
			Field:   "cipher",
			Value:   cipher,
			Message: "unsupported cipher suite for nonce validation",
		}
	}

	if len(nonce) != NonceSize {
		return &ConfigError{
			Field:   "nonce",
			Value:   len(nonce),
			Message: fmt.Sprintf("invalid nonce size: got %d bytes, expected %d bytes for %s", len(nonce), NonceSize, cipher.String()),
		}
	}

	return nil
}

// ValidateChunkSize checks if a frame payload capacity is within bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize {
		return &ConfigError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("too small: got %d, minimum is %d", size, MinChunkSize),
		}
	}
	if size > MaxChunkSize {
		return &ConfigError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("too large: got %d, maximum is %d", size, MaxChunkSize),
		}
	}
	return nil
}

// ValidatePaddingRange checks a [min, max] padding configuration
func ValidatePaddingRange(min, max int) error {
	if min < 0 {
		return &ConfigError{
			Field:   "padding_min",
			Value:   min,
			Message: "cannot be negative",
		}
	}
	if max < min {
		return &ConfigError{
			Field:   "padding_max",
			Value:   max,
			Message: fmt.Sprintf("must be at least padding_min (%d)", min),
		}
	}
	if max > MaxPaddingBytes {
		return &ConfigError{
			Field:   "padding_max",
			Value:   max,
			Message: fmt.Sprintf("must not exceed %d", MaxPaddingBytes),
		}
	}
	return nil
}

// ValidatePath checks that a registered path is absolute, non-empty and
// carries no traversal elements. Rejection happens at registration time,
// never at classification time.
func ValidatePath(p string) error {
	if p == "" {
		return &ConfigError{
			Field:   "path",
			Message: "path cannot be empty",
		}
	}
	if !strings.HasPrefix(p, "/") {
		return &ConfigError{
			Field:   "path",
			Value:   p,
			Message: "path must be absolute",
		}
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return &ConfigError{
				Field:   "path",
				Value:   p,
				Message: "path must not contain traversal elements",
			}
		}
	}
	return nil
}

// ValidatePattern checks that an encryption pattern glob is well-formed
func ValidatePattern(glob string) error {
	if glob == "" {
		return &ConfigError{
			Field:   "pattern",
			Message: "pattern cannot be empty",
		}
	}
	for _, elem := range strings.Split(glob, "/") {
		if elem == ".." {
			return &ConfigError{
				Field:   "pattern",
				Value:   glob,
				Message: "pattern must not contain traversal elements",
			}
		}
	}
	// path.Match reports malformed syntax regardless of the name matched
	if _, err := path.Match(glob, ""); err != nil {
		return &ConfigError{
			Field:   "pattern",
			Value:   glob,
			Message: "malformed glob syntax",
			Err:     err,
		}
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}
