package sealio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MagicBytes identifies sealed files (ASCII: "SEAL")
	MagicBytes = uint32(0x5345414C)

	// CurrentVersion is the current on-disk format version
	CurrentVersion = uint8(1)

	// HeaderSize is the fixed size of the file header
	// 4 bytes (magic) + 1 (version) + 1 (cipher) + 1 (flags) + 1 (reserved) = 8 bytes
	HeaderSize = 8

	// FlagPadded marks files whose frames carry random tail padding
	FlagPadded = uint8(1 << 0)
)

const (
	// DefaultChunkSize is the plaintext capacity of one sealed frame (64KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16MB)
	MaxChunkSize = 16 * 1024 * 1024
)

const (
	frameLenSize = 4 // uint32 length prefix before each frame body
	plainLenSize = 4 // uint32 plaintext length inside the sealed payload
)

// FileHeader identifies a sealed file and the cipher that sealed it
type FileHeader struct {
	Magic    uint32      // Magic bytes identifying sealed files
	Version  uint8       // On-disk format version
	Cipher   CipherSuite // Cipher suite sealing every frame in the file
	Flags    uint8       // Format flags (FlagPadded)
	Reserved uint8       // Reserved for future use, written as zero
}

// NewFileHeader creates a header for the given cipher suite
func NewFileHeader(cipher CipherSuite, padded bool) *FileHeader {
	var flags uint8
	if padded {
		flags |= FlagPadded
	}
	return &FileHeader{
		Magic:   MagicBytes,
		Version: CurrentVersion,
		Cipher:  resolveCipher(cipher),
		Flags:   flags,
	}
}

// Padded reports whether frames in this file carry random tail padding
func (h *FileHeader) Padded() bool {
	return h.Flags&FlagPadded != 0
}

// WriteTo writes the header to the given writer
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Cipher); err != nil {
		return 0, fmt.Errorf("failed to write cipher: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Flags); err != nil {
		return 0, fmt.Errorf("failed to write flags: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Reserved); err != nil {
		return 0, fmt.Errorf("failed to write reserved byte: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4

	if h.Magic != MagicBytes {
		return totalRead, ErrInvalidHeader
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead += 1

	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Cipher); err != nil {
		return totalRead, fmt.Errorf("failed to read cipher: %w", err)
	}
	totalRead += 1

	if err := binary.Read(r, binary.LittleEndian, &h.Flags); err != nil {
		return totalRead, fmt.Errorf("failed to read flags: %w", err)
	}
	totalRead += 1

	if err := binary.Read(r, binary.LittleEndian, &h.Reserved); err != nil {
		return totalRead, fmt.Errorf("failed to read reserved byte: %w", err)
	}
	totalRead += 1

	return totalRead, nil
}

// Validate checks if the header is valid
func (h *FileHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	return nil
}

// encodeFrame seals plaintext plus optional padding into one wire frame:
// frame_len ‖ nonce ‖ ciphertext+tag. The true plaintext length travels
// inside the sealed payload, so padding is authenticated but its size is
// never visible on disk.
func encodeFrame(engine CipherEngine, nonce, plaintext, padding []byte) ([]byte, error) {
	if len(nonce) != engine.NonceSize() {
		return nil, NewConfigError("nonce", len(nonce), "wrong nonce size for cipher")
	}
	if len(plaintext) > MaxChunkSize {
		return nil, NewConfigError("frame", len(plaintext), "plaintext exceeds maximum chunk size")
	}
	if len(padding) > MaxPaddingBytes {
		return nil, NewConfigError("padding", len(padding), "padding exceeds maximum padding size")
	}

	payload := make([]byte, plainLenSize+len(plaintext)+len(padding))
	binary.LittleEndian.PutUint32(payload, uint32(len(plaintext)))
	copy(payload[plainLenSize:], plaintext)
	copy(payload[plainLenSize+len(plaintext):], padding)

	sealed, err := engine.Encrypt(nonce, payload)
	wipeBytes(payload)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, frameLenSize+len(nonce)+len(sealed))
	binary.LittleEndian.PutUint32(frame, uint32(len(nonce)+len(sealed)))
	copy(frame[frameLenSize:], nonce)
	copy(frame[frameLenSize+len(nonce):], sealed)
	return frame, nil
}

// openFrame authenticates a frame body (nonce ‖ ciphertext+tag) and strips
// the padding using the sealed plaintext length. Callers must wipe the
// returned slice once its content has been copied out.
func openFrame(engine CipherEngine, body []byte) ([]byte, error) {
	minBody := engine.NonceSize() + plainLenSize + engine.Overhead()
	if err := ValidateBuffer(body, "frame body", minBody); err != nil {
		return nil, err
	}

	nonce := body[:engine.NonceSize()]
	payload, err := engine.Decrypt(nonce, body[engine.NonceSize():])
	if err != nil {
		return nil, err
	}

	plainLen := binary.LittleEndian.Uint32(payload)
	if int(plainLen) > len(payload)-plainLenSize {
		wipeBytes(payload)
		return nil, fmt.Errorf("sealed plaintext length %d exceeds payload", plainLen)
	}
	return payload[plainLenSize : plainLenSize+int(plainLen)], nil
}

// readFrameBody reads the next raw frame body (nonce ‖ ciphertext+tag)
// from r. A clean end of stream returns io.EOF; a partial frame is reported
// as a truncation error.
func readFrameBody(r io.Reader, engine CipherEngine) ([]byte, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated frame length: %w", err)
	}

	bodyLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if bodyLen < engine.NonceSize()+plainLenSize+engine.Overhead() || bodyLen > maxFrameBody(engine) {
		return nil, fmt.Errorf("implausible frame length %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	return body, nil
}

// readFrame reads and opens the next frame from r
func readFrame(r io.Reader, engine CipherEngine) ([]byte, error) {
	body, err := readFrameBody(r, engine)
	if err != nil {
		return nil, err
	}
	return openFrame(engine, body)
}

// maxFrameBody bounds a frame body for the length prefix sanity check
func maxFrameBody(engine CipherEngine) int {
	return engine.NonceSize() + plainLenSize + MaxChunkSize + MaxPaddingBytes + engine.Overhead()
}
