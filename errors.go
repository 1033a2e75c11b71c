package sealio

import (
	"errors"
	"fmt"
)

// Error types represent the failure categories of the interposition layer

// PermissionError represents a path denied for the requested operation
type PermissionError struct {
	Op      Operation // The operation that was refused
	Path    string    // The path the operation targeted
	Class   PathClass // The rule category that produced the denial
	Message string    // Human-readable error message
	Err     error     // Underlying error, if any
}

func (e *PermissionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("permission denied: %s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Op, e.Message)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// ConfigError represents a malformed pattern, exceeded limit or bad setting
type ConfigError struct {
	Field   string // The setting or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// KeyInitError represents a randomness or attestation failure during key
// initialization. Always fatal; never downgraded to an unprotected path.
type KeyInitError struct {
	Stage   string // "entropy", "env", "attestation", "binding"
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *KeyInitError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("key initialization error: %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("key initialization error: %s", e.Message)
}

func (e *KeyInitError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a tag verification or digest mismatch on decrypt.
// No partially-decrypted bytes are ever returned alongside one.
type IntegrityError struct {
	Path    string // File path
	Frame   int    // Frame index, -1 if not frame-scoped
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *IntegrityError) Error() string {
	if e.Path != "" && e.Frame >= 0 {
		return fmt.Sprintf("integrity error: %s (frame %d): %s", e.Path, e.Frame, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("integrity error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("integrity error: %s", e.Message)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// ResourceError represents an exhausted table or unavailable system resource
type ResourceError struct {
	Resource string // "handles", "patterns", "secure memory"
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *ResourceError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("resource error: %s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("resource error: %s", e.Message)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// IOError represents an underlying filesystem failure, passed through
// unchanged rather than reinterpreted
type IOError struct {
	Op      string // "read", "write", "seek", "open", "close", etc.
	Path    string // File path
	Offset  int64  // File offset, -1 if not applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Op, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Op, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrNotInitialized     = errors.New("key manager not initialized")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrNonceReuse         = errors.New("nonce reuse detected")
	ErrPatternLimit       = errors.New("encryption pattern limit reached")
	ErrHandleLimit        = errors.New("handle table full")
	ErrTornDown           = errors.New("layer has been torn down")
	ErrNotSupported       = errors.New("operation not supported by the base filesystem")
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrNegativeOffset     = errors.New("negative offset not allowed")
	ErrClosed             = errors.New("file already closed")
)

// Helper functions for creating structured errors

// NewPermissionError creates a new permission error
func NewPermissionError(op Operation, path string, class PathClass, message string) error {
	return &PermissionError{
		Op:      op,
		Path:    path,
		Class:   class,
		Message: message,
	}
}

// NewConfigError creates a new configuration error
func NewConfigError(field string, value any, message string) error {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewKeyInitError creates a new key initialization error
func NewKeyInitError(stage string, err error) error {
	return &KeyInitError{
		Stage:   stage,
		Message: err.Error(),
		Err:     err,
	}
}

// NewIntegrityError creates a new integrity error
func NewIntegrityError(path string, frame int, err error) error {
	return &IntegrityError{
		Path:    path,
		Frame:   frame,
		Message: err.Error(),
		Err:     err,
	}
}

// NewResourceError creates a new resource error
func NewResourceError(resource string, err error) error {
	return &ResourceError{
		Resource: resource,
		Message:  err.Error(),
		Err:      err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(op, path string, err error) error {
	return &IOError{
		Op:      op,
		Path:    path,
		Offset:  -1,
		Message: err.Error(),
		Err:     err,
	}
}

// Error checking helpers

// IsPermissionError checks if an error is a permission error
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsConfigError checks if an error is a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsKeyInitError checks if an error is a key initialization error
func IsKeyInitError(err error) bool {
	var ke *KeyInitError
	return errors.As(err, &ke)
}

// IsIntegrityError checks if an error is an integrity error
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsResourceError checks if an error is a resource error
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
