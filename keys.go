package sealio

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sync"
)

// KeyManager owns the process-lifetime master key and derives per-path file
// keys from it. The master key lives only in pinned, wipe-on-release memory
// and is never copied out of the manager.
type KeyManager struct {
	mu          sync.Mutex
	master      *SecureRegion
	initialized bool
}

// NewKeyManager creates an uninitialized key manager
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// Initialize establishes the master key: the SEALIO_MASTER_KEY environment
// override when set, otherwise 256 bits from the system CSPRNG. When att is
// non-nil the entropy is bound to verified attestation evidence first;
// verification failure is fatal and never downgraded to the unattested path.
// Subsequent calls are no-ops.
func (m *KeyManager) Initialize(att *AttestationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	entropy, err := masterEntropy()
	if err != nil {
		return err
	}

	if att != nil {
		bound, err := bindEvidence(entropy, att)
		wipeBytes(entropy)
		if err != nil {
			return err
		}
		entropy = bound
	}

	region, err := AllocateSecure(KeySize)
	if err != nil {
		wipeBytes(entropy)
		return NewKeyInitError("entropy", err)
	}
	copy(region.Bytes(), entropy)
	wipeBytes(entropy)

	m.master = region
	m.initialized = true
	return nil
}

// Initialized reports whether a master key is resident
func (m *KeyManager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// DeriveFileKey derives the deterministic path-bound file key:
// HMAC-SHA256(master, cleaned path). The same path yields the same key for
// the process lifetime; distinct paths yield computationally independent
// keys. The caller owns the returned region and releases it when its handle
// closes.
func (m *KeyManager) DeriveFileKey(name string) (*SecureRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, NewKeyInitError("derive", ErrNotInitialized)
	}

	mac := hmac.New(sha256.New, m.master.Bytes())
	mac.Write([]byte(path.Clean(name)))
	sum := mac.Sum(nil)

	region, err := AllocateSecure(KeySize)
	if err != nil {
		wipeBytes(sum)
		return nil, err
	}
	copy(region.Bytes(), sum)
	wipeBytes(sum)

	return region, nil
}

// Wipe destroys the master key synchronously with respect to the caller.
// Derivation afterwards fails with ErrNotInitialized. Safe to call more
// than once.
func (m *KeyManager) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = false
	if m.master == nil {
		return nil
	}
	err := m.master.Release()
	m.master = nil
	return err
}

// masterEntropy returns 32 bytes from the environment override when set,
// otherwise from the system CSPRNG. A malformed override is fatal rather
// than silently replaced with randomness.
func masterEntropy() ([]byte, error) {
	if hexKey := os.Getenv(MasterKeyEnv); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, NewKeyInitError("env", fmt.Errorf("%s is not valid hex: %w", MasterKeyEnv, err))
		}
		if len(key) != KeySize {
			return nil, NewKeyInitError("env", fmt.Errorf("%s must decode to %d bytes, got %d", MasterKeyEnv, KeySize, len(key)))
		}
		return key, nil
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, NewKeyInitError("entropy", err)
	}
	return key, nil
}
