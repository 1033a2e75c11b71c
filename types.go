package sealio

import (
	"runtime"
	"time"
)

// CipherSuite represents the AEAD algorithm used to seal file contents
type CipherSuite uint8

const (
	// CipherAuto automatically selects the best cipher based on hardware capabilities
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// PathClass identifies which rule category matched a path
type PathClass uint8

const (
	// ClassDefault means no registered path rule matched
	ClassDefault PathClass = iota
	// ClassWhitelist marks explicitly trusted paths that bypass all policy
	ClassWhitelist
	// ClassSystem marks read-only system paths; writes are denied
	ClassSystem
	// ClassTmpfs marks ephemeral kernel-memory-backed paths; plain read/write
	ClassTmpfs
)

// String returns the string representation of the path class
func (c PathClass) String() string {
	switch c {
	case ClassDefault:
		return "default"
	case ClassWhitelist:
		return "whitelist"
	case ClassSystem:
		return "system"
	case ClassTmpfs:
		return "tmpfs"
	default:
		return "unknown"
	}
}

// Policy is the encryption policy attached to a path by a matching pattern
type Policy uint8

const (
	// PolicyNone leaves the path unencrypted
	PolicyNone Policy = iota
	// PolicyReadWrite encrypts writes and decrypts reads
	PolicyReadWrite
	// PolicyWriteOnly encrypts writes; reads are served as plain file bytes
	PolicyWriteOnly
)

// String returns the string representation of the policy
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyReadWrite:
		return "read-write"
	case PolicyWriteOnly:
		return "write-only"
	default:
		return "unknown"
	}
}

// ProtectionMode controls what happens to paths no pattern matches
type ProtectionMode uint8

const (
	// ModeEncryptUnmatched encrypts unmatched paths with PolicyReadWrite
	ModeEncryptUnmatched ProtectionMode = iota
	// ModeIgnoreUnmatched silently discards writes to unmatched paths and
	// fails reads closed. See the package documentation before enabling.
	ModeIgnoreUnmatched
)

// String returns the string representation of the protection mode
func (m ProtectionMode) String() string {
	switch m {
	case ModeEncryptUnmatched:
		return "encrypt"
	case ModeIgnoreUnmatched:
		return "ignore"
	default:
		return "unknown"
	}
}

// Operation is the class of filesystem operation being classified
type Operation uint8

const (
	// OpRead covers open-for-read and read calls
	OpRead Operation = iota
	// OpWrite covers create, open-for-write, write and truncate calls
	OpWrite
	// OpDelete covers remove and rename-away calls
	OpDelete
	// OpModify covers chmod, chtimes, chown and mkdir calls
	OpModify
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Action is the outcome of classifying a path for an operation
type Action uint8

const (
	// ActionAllowPlain permits the operation without encryption
	ActionAllowPlain Action = iota
	// ActionAllowEncrypted permits the operation through the sealing machinery
	ActionAllowEncrypted
	// ActionDeny refuses the operation with a permission error
	ActionDeny
	// ActionDiscard reports success to the caller without performing any I/O
	ActionDiscard
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case ActionAllowPlain:
		return "allow"
	case ActionAllowEncrypted:
		return "encrypt"
	case ActionDeny:
		return "deny"
	case ActionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Decision is the result of classifying a path against the rule set
type Decision struct {
	Action Action    // What the interposition layer must do with the call
	Class  PathClass // Which rule category matched, ClassDefault if none
	Policy Policy    // Matched or defaulted encryption policy, PolicyNone if none applies
}

// PathRule associates a path prefix with a rule category
type PathRule struct {
	Prefix string    // Cleaned absolute path prefix
	Class  PathClass // Whitelist, system or tmpfs
}

// EncryptionPattern associates a glob with an encryption policy.
// Patterns are evaluated in registration order; the first match wins.
type EncryptionPattern struct {
	Glob   string // path.Match syntax, matched against the full cleaned path
	Policy Policy // PolicyReadWrite or PolicyWriteOnly
}

const (
	// DefaultMaxPatterns bounds the encryption pattern list
	DefaultMaxPatterns = 128

	// DefaultMaxHandles bounds the number of concurrently open protected handles
	DefaultMaxHandles = 1024

	// DefaultSpillThreshold is the staged plaintext size above which a handle
	// spills to an independently encrypted temporary file (400 MB)
	DefaultSpillThreshold = int64(400 * 1024 * 1024)

	// DefaultPaddingMin is the default lower bound of random padding per frame
	DefaultPaddingMin = 16

	// DefaultPaddingMax is the default upper bound of random padding per frame
	DefaultPaddingMax = 256

	// MaxPaddingBytes bounds the configurable padding range
	MaxPaddingBytes = 4096

	// DefaultJitterMax is the default upper bound of the per-operation delay
	DefaultJitterMax = time.Millisecond

	// DefaultEvidenceMaxAge is how old an attestation report may be before
	// key initialization rejects it
	DefaultEvidenceMaxAge = 300 * time.Second

	// MasterKeyEnv names the environment variable holding a hex-encoded
	// 32-byte master key override
	MasterKeyEnv = "SEALIO_MASTER_KEY"
)

// ParallelConfig controls parallel frame sealing during flush
type ParallelConfig struct {
	// Enabled enables parallel frame sealing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinFramesForParallel is the minimum number of frames to use parallel
	// sealing. Below this threshold, sequential sealing is used.
	// Defaults to 4.
	MinFramesForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return NewConfigError("parallel.max_workers", p.MaxWorkers, "cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return NewConfigError("parallel.max_workers", p.MaxWorkers, "must not exceed 1024")
	}
	if p.MinFramesForParallel < 1 {
		return NewConfigError("parallel.min_frames", p.MinFramesForParallel, "must be at least 1")
	}
	if p.MinFramesForParallel > 1000 {
		return NewConfigError("parallel.min_frames", p.MinFramesForParallel, "must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel sealing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinFramesForParallel: 4,
	}
}

// AttestationConfig binds the master key to a hardware attestation report.
// When set, key initialization verifies the evidence and derives the master
// key from it; verification failure is fatal, never downgraded.
type AttestationConfig struct {
	// Evidence is the attestation report supplied by the platform collaborator
	Evidence *Evidence

	// Verifier validates the evidence. If nil, a StaticVerifier built from
	// ExpectedMeasurement and MaxEvidenceAge is used.
	Verifier Verifier

	// ExpectedMeasurement is the reference measurement the evidence must carry
	ExpectedMeasurement []byte

	// MaxEvidenceAge bounds report freshness. If 0, DefaultEvidenceMaxAge.
	MaxEvidenceAge time.Duration
}

// Config contains configuration for the secure I/O layer
type Config struct {
	// Cipher suite used to seal file contents
	Cipher CipherSuite

	// Mode controls handling of paths no encryption pattern matches
	Mode ProtectionMode

	// RuleFile optionally names a key=value pattern file loaded at bootstrap
	RuleFile string

	// WhitelistPaths are trusted prefixes that bypass all policy
	WhitelistPaths []string

	// SystemPaths are read-only prefixes; writes against them are denied
	SystemPaths []string

	// TmpfsPaths are ephemeral prefixes; plain read/write, no encryption
	TmpfsPaths []string

	// Patterns are encryption patterns registered at bootstrap, in order
	Patterns []EncryptionPattern

	// MaxPatterns bounds the pattern list. If 0, DefaultMaxPatterns.
	MaxPatterns int

	// MaxHandles bounds concurrently open protected handles.
	// If 0, DefaultMaxHandles.
	MaxHandles int

	// SpillThreshold is the staged plaintext size above which a handle spills
	// to an encrypted temporary file. If 0, DefaultSpillThreshold.
	SpillThreshold int64

	// ChunkSize is the frame payload capacity. If 0, DefaultChunkSize.
	ChunkSize int

	// SpillDir is where encrypted spill files are created.
	// If empty, the base filesystem's TempDir is used.
	SpillDir string

	// PaddingEnabled appends random padding to each sealed frame
	PaddingEnabled bool

	// PaddingMin and PaddingMax bound the uniform per-frame padding length
	PaddingMin int
	PaddingMax int

	// JitterEnabled adds a bounded random delay to protected reads and writes
	JitterEnabled bool

	// JitterMax bounds the delay. If 0, DefaultJitterMax.
	JitterMax time.Duration

	// AuditPath names the append-only audit log on the base filesystem.
	// Empty disables audit logging.
	AuditPath string

	// RedactPaths lists directory prefixes whose contents are redacted in
	// audit records
	RedactPaths []string

	// Attestation, when non-nil, binds the master key to verified evidence
	Attestation *AttestationConfig

	// DisableCoreDumps hardens the process at bootstrap: dumpable flag off,
	// core resource limit zeroed
	DisableCoreDumps bool

	// Parallel controls flush-time parallel frame sealing
	Parallel ParallelConfig
}

// DefaultConfig returns a Config with every tunable at its default
func DefaultConfig() *Config {
	return &Config{
		Cipher:         CipherAuto,
		Mode:           ModeEncryptUnmatched,
		MaxPatterns:    DefaultMaxPatterns,
		MaxHandles:     DefaultMaxHandles,
		SpillThreshold: DefaultSpillThreshold,
		ChunkSize:      DefaultChunkSize,
		PaddingEnabled: true,
		PaddingMin:     DefaultPaddingMin,
		PaddingMax:     DefaultPaddingMax,
		JitterEnabled:  true,
		JitterMax:      DefaultJitterMax,
		Parallel:       DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return NewConfigError("cipher", c.Cipher, "unsupported cipher suite")
	}
	if c.Mode != ModeEncryptUnmatched && c.Mode != ModeIgnoreUnmatched {
		return NewConfigError("mode", c.Mode, "unsupported protection mode")
	}
	if c.MaxPatterns < 0 {
		return NewConfigError("max_patterns", c.MaxPatterns, "cannot be negative")
	}
	if c.MaxHandles < 0 {
		return NewConfigError("max_handles", c.MaxHandles, "cannot be negative")
	}
	if c.SpillThreshold < 0 {
		return NewConfigError("spill_threshold", c.SpillThreshold, "cannot be negative")
	}
	if c.ChunkSize != 0 {
		if err := ValidateChunkSize(c.ChunkSize); err != nil {
			return err
		}
	}
	if err := ValidatePaddingRange(c.PaddingMin, c.PaddingMax); err != nil {
		return err
	}
	if c.JitterMax < 0 {
		return NewConfigError("jitter_max", c.JitterMax, "cannot be negative")
	}
	if c.Attestation != nil {
		if c.Attestation.Evidence == nil {
			return NewConfigError("attestation.evidence", nil, "evidence cannot be nil")
		}
		if c.Attestation.Verifier == nil && len(c.Attestation.ExpectedMeasurement) == 0 {
			return NewConfigError("attestation.expected_measurement", nil,
				"expected measurement required when no verifier is supplied")
		}
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

// chunkSize returns the effective frame payload capacity
func (c *Config) chunkSize() int {
	if c.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

// spillThreshold returns the effective spill threshold
func (c *Config) spillThreshold() int64 {
	if c.SpillThreshold == 0 {
		return DefaultSpillThreshold
	}
	return c.SpillThreshold
}

// maxPatterns returns the effective pattern list bound
func (c *Config) maxPatterns() int {
	if c.MaxPatterns == 0 {
		return DefaultMaxPatterns
	}
	return c.MaxPatterns
}

// maxHandles returns the effective handle table bound
func (c *Config) maxHandles() int {
	if c.MaxHandles == 0 {
		return DefaultMaxHandles
	}
	return c.MaxHandles
}

// jitterMax returns the effective jitter bound
func (c *Config) jitterMax() time.Duration {
	if c.JitterMax == 0 {
		return DefaultJitterMax
	}
	return c.JitterMax
}
