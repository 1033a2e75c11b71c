// Package sealio provides a secure I/O interposition layer for the AbsFs
// filesystem abstraction: file operations are classified against a path
// policy and transparently sealed with authenticated encryption, denied, or
// discarded, without the calling code changing a line.
//
// # Overview
//
// sealio implements the absfs.FileSystem interface, allowing it to wrap any
// AbsFs-compatible filesystem. Every open, write, rename, delete and
// metadata call is classified first:
//
//   - Whitelisted prefixes bypass the layer entirely
//   - System prefixes are read-only; writes are denied
//   - Tmpfs prefixes pass through in plain, never sealed
//   - Glob patterns attach an encryption policy; the first match wins
//   - Unmatched paths follow the protection mode
//
// Files that classify as protected are staged in pinned, wipe-on-release
// memory while open. The base filesystem only ever sees an authenticated
// frame stream; plaintext never touches it. Payloads that outgrow the spill
// threshold move to an independently encrypted temporary file with a
// throwaway key that dies with the handle.
//
// # Supported Cipher Suites
//
// - AES-256-GCM: Advanced Encryption Standard with 256-bit keys and
//   Galois/Counter Mode for authenticated encryption
// - ChaCha20-Poly1305: Modern stream cipher with Poly1305 message
//   authentication
//
// Both cipher suites provide:
//   - Authenticated Encryption with Associated Data (AEAD)
//   - Protection against tampering and corruption
//   - 128-bit authentication tags
//   - Nonce uniqueness guarantees, fatal on violation
//
// # Basic Usage
//
//	config := sealio.DefaultConfig()
//	config.Patterns = []sealio.EncryptionPattern{
//	    {Glob: "*.pt", Policy: sealio.PolicyReadWrite},
//	    {Glob: "/workspace/logs/*", Policy: sealio.PolicyWriteOnly},
//	}
//	config.SystemPaths = []string{"/etc", "/usr"}
//
//	fs, err := sealio.New(base, config)
//	if err != nil {
//	    panic(err)
//	}
//	defer fs.Teardown()
//
//	// Use like any absfs.FileSystem
//	file, _ := fs.Create("/workspace/models/weights.pt")
//	file.Write(weights) // sealed before it reaches base
//	file.Close()
//
// # Protection Modes
//
// ModeEncryptUnmatched (the default) seals every path no rule matches.
// This is the safe mode: forgetting a pattern costs performance, not
// confidentiality.
//
// ModeIgnoreUnmatched silently discards writes to unmatched paths and fails
// their reads closed.
//
// WARNING: in ModeIgnoreUnmatched, writes to unmatched paths report
// success to the caller and write NOTHING. The data is gone. A missing
// pattern in this mode means silent data loss, not an error. Deploy it
// only where unmatched paths are known to be scratch output nobody reads
// back, and audit the pattern list before every rollout.
//
// # Key Management
//
// A process-lifetime master key is established at bootstrap: from the
// SEALIO_MASTER_KEY environment variable when set, otherwise from the
// system CSPRNG. Per-file keys are derived as HMAC-SHA256(master, path),
// so equal paths reuse a key and distinct paths get computationally
// independent ones. When attestation evidence is configured, the master
// key is additionally bound to the verified platform measurement through
// HKDF-SHA256; verification failure aborts bootstrap rather than falling
// back to an unattested key.
//
// All key material lives in mlocked memory, excluded from core dumps and
// wiped on release. Teardown wipes the master key before the audit log
// closes.
//
// # Side-Channel Mitigations
//
// Sealed frames carry a uniformly random amount of padding, authenticated
// alongside the payload, so on-disk sizes do not reveal exact content
// lengths. Protected reads and writes sleep a bounded random delay when
// jitter is enabled. Both mitigations are tunable at runtime and neither
// changes decrypted content.
//
// # File Format
//
// Sealed files use the following format:
//   - Magic bytes (4 bytes): "SEAL" (0x5345414C, little-endian)
//   - Version (1 byte): File format version
//   - Cipher suite (1 byte): Identifies the encryption algorithm
//   - Flags (1 byte): Bit 0 set when frames carry padding
//   - Reserved (1 byte)
//   - Frames (repeated): length-prefixed nonce + ciphertext + tag,
//     each authenticating a plaintext-length prefix, payload and padding
//
// A <path>.hash sidecar holds a salted, stretched digest of the full
// plaintext for end-to-end verification.
//
// # Security Considerations
//
// Protected Against:
//   - Unauthorized access to sealed files at rest
//   - Data tampering and corruption (authenticated encryption)
//   - Plaintext reaching unprotected storage through writes, renames
//     or spill files
//   - Content-length inference from sealed sizes (with padding enabled)
//   - Key recovery from swap or core dumps (pinned, hardened memory)
//
// Not Protected Against:
//   - A compromised process image while files are staged in memory
//   - Cache-timing side channels
//   - Metadata leakage beyond sizes (paths, access times)
//   - Loss of the master key; sealed bytes are unrecoverable without it
package sealio
