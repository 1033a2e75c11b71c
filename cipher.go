package sealio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the key length shared by both cipher suites (256 bits)
	KeySize = 32

	// NonceSize is the nonce length shared by both cipher suites
	NonceSize = 12

	// TagSize is the authentication tag length shared by both cipher suites
	TagSize = 16
)

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Encrypt encrypts plaintext with the given nonce
	Encrypt(nonce, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce
	Decrypt(nonce, ciphertext []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// AESGCMEngine implements CipherEngine using AES-256-GCM
type AESGCMEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aead: aead}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
func (e *AESGCMEngine) Encrypt(nonce, plaintext []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, CipherAES256GCM); err != nil {
		return nil, err
	}

	ciphertext := e.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (e *AESGCMEngine) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, CipherAES256GCM); err != nil {
		return nil, err
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for AES-GCM (12 bytes)
func (e *AESGCMEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *AESGCMEngine) Overhead() int {
	return e.aead.Overhead()
}

// ChaCha20Poly1305Engine implements CipherEngine using ChaCha20-Poly1305
type ChaCha20Poly1305Engine struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (*ChaCha20Poly1305Engine, error) {
	if err := ValidateKey(key, chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &ChaCha20Poly1305Engine{aead: aead}, nil
}

// Encrypt encrypts plaintext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Encrypt(nonce, plaintext []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, CipherChaCha20Poly1305); err != nil {
		return nil, err
	}

	ciphertext := e.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, CipherChaCha20Poly1305); err != nil {
		return nil, err
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for ChaCha20-Poly1305 (12 bytes)
func (e *ChaCha20Poly1305Engine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *ChaCha20Poly1305Engine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	case CipherAuto:
		// Go's AES-GCM uses AES-NI when present; good default everywhere
		return NewAESGCMEngine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// resolveCipher maps CipherAuto to the concrete suite recorded in headers
func resolveCipher(suite CipherSuite) CipherSuite {
	if suite == CipherAuto {
		return CipherAES256GCM
	}
	return suite
}

// GenerateNonce generates a random nonce for the given cipher
func GenerateNonce(suite CipherSuite) ([]byte, error) {
	switch suite {
	case CipherAES256GCM, CipherChaCha20Poly1305, CipherAuto:
	default:
		return nil, ErrUnsupportedCipher
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, nil
}

// GenerateKey generates a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// nonceSequence issues counter-derived nonces for one spill file: a random
// 4-byte base followed by a big-endian 8-byte counter. Each value is issued
// exactly once under its key; wrap or regression is fatal, never ignored.
type nonceSequence struct {
	base [4]byte
	next uint64
	last uint64
	used bool
}

// newNonceSequence creates a sequence with a fresh random base
func newNonceSequence() (*nonceSequence, error) {
	var s nonceSequence
	if _, err := rand.Read(s.base[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce base: %w", err)
	}
	return &s, nil
}

// Next returns the next nonce in the sequence
func (s *nonceSequence) Next() ([]byte, error) {
	// Refuse the last counter value instead of wrapping back to zero
	if s.next == math.MaxUint64 {
		return nil, ErrNonceReuse
	}
	// A counter that moved backwards would reissue a value
	if s.used && s.next <= s.last {
		return nil, ErrNonceReuse
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, s.base[:])
	binary.BigEndian.PutUint64(nonce[4:], s.next)

	s.last = s.next
	s.next++
	s.used = true
	return nonce, nil
}
