package sealio

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
	"golang.org/x/crypto/pbkdf2"
)

// Digest sidecar layout: salt ‖ PBKDF2-HMAC-SHA256(SHA-256(plaintext), salt).
// The stretch keeps a stolen sidecar from confirming guessed file content.
const (
	digestSaltSize   = 16
	digestSize       = 32
	digestIterations = 100000
)

// digestSidecarPath returns the sidecar name for a sealed file
func digestSidecarPath(name string) string {
	return name + ".hash"
}

// digestFromSum stretches a plaintext SHA-256 sum into the stored digest
func digestFromSum(sum, salt []byte) []byte {
	return pbkdf2.Key(sum, salt, digestIterations, digestSize, sha256.New)
}

// writeDigest writes the sidecar for a file whose plaintext hashes to sum.
// The previous sidecar, if any, is replaced.
func writeDigest(fsys absfs.FileSystem, name string, sum []byte) error {
	salt := make([]byte, digestSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return NewKeyInitError("entropy", err)
	}

	sidecar := digestSidecarPath(name)
	f, err := fsys.OpenFile(sidecar, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("create", sidecar, err)
	}
	defer f.Close()

	if _, err := f.Write(salt); err != nil {
		return NewIOError("write", sidecar, err)
	}
	if _, err := f.Write(digestFromSum(sum, salt)); err != nil {
		return NewIOError("write", sidecar, err)
	}
	return nil
}

// removeDigest deletes the sidecar for name; a missing sidecar is not an error
func removeDigest(fsys absfs.FileSystem, name string) error {
	err := fsys.Remove(digestSidecarPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// VerifyDigest recomputes the salted digest of content and compares it to
// the stored sidecar for name. It returns an IntegrityError on mismatch or
// when the sidecar is malformed.
func VerifyDigest(fsys absfs.FileSystem, name string, content []byte) error {
	sidecar := digestSidecarPath(name)
	f, err := fsys.Open(sidecar)
	if err != nil {
		return NewIOError("open", sidecar, err)
	}
	defer f.Close()

	stored := make([]byte, digestSaltSize+digestSize)
	if _, err := io.ReadFull(f, stored); err != nil {
		return NewIntegrityError(name, -1, fmt.Errorf("malformed digest sidecar: %w", err))
	}

	sum := sha256.Sum256(content)
	want := digestFromSum(sum[:], stored[:digestSaltSize])
	if !hmac.Equal(want, stored[digestSaltSize:]) {
		return &IntegrityError{Path: name, Frame: -1, Message: "digest mismatch"}
	}
	return nil
}
