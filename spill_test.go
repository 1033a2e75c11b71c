package sealio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestSpill(t *testing.T, chunkSize int) (absfs.FileSystem, *spillStore) {
	t.Helper()

	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create base filesystem: %v", err)
	}
	if err := base.MkdirAll("/tmp", 0700); err != nil {
		t.Fatalf("failed to create spill dir: %v", err)
	}

	s, err := newSpillStore(base, "/tmp", CipherAES256GCM, chunkSize)
	if err != nil {
		t.Fatalf("failed to create spill store: %v", err)
	}
	t.Cleanup(func() { s.Release() })

	return base, s
}

// spillPattern returns n bytes of a repeating, position-dependent pattern so
// misplaced chunks are detected
func spillPattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestSpillStore_RoundTrip(t *testing.T) {
	_, s := newTestSpill(t, 128)

	payload := spillPattern(500)
	n, err := s.WriteAt(payload, 0)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if s.Len() != 500 {
		t.Fatalf("Len() = %d, want 500", s.Len())
	}

	got := make([]byte, 500)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back different bytes")
	}

	// Partial read across a chunk boundary
	window := make([]byte, 64)
	if _, err := s.ReadAt(window, 100); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(window, payload[100:164]) {
		t.Fatal("cross-chunk window mismatch")
	}
}

func TestSpillStore_OutOfOrderWrites(t *testing.T) {
	_, s := newTestSpill(t, 128)

	payload := spillPattern(384)
	// Chunk 2, then 0, then 1: each switch evicts and reseals a chunk
	for _, idx := range []int{2, 0, 1} {
		off := int64(idx * 128)
		if _, err := s.WriteAt(payload[off:off+128], off); err != nil {
			t.Fatalf("write chunk %d failed: %v", idx, err)
		}
	}

	got := make([]byte, 384)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("out-of-order writes read back wrong")
	}
}

func TestSpillStore_Overwrite(t *testing.T) {
	_, s := newTestSpill(t, 128)

	payload := spillPattern(300)
	if _, err := s.WriteAt(payload, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	patch := bytes.Repeat([]byte{0xEE}, 60)
	if _, err := s.WriteAt(patch, 100); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if s.Len() != 300 {
		t.Fatalf("Len() = %d after overwrite, want 300", s.Len())
	}

	want := append([]byte{}, payload...)
	copy(want[100:], patch)
	got := make([]byte, 300)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("overwrite read back wrong")
	}
}

func TestSpillStore_SparseGap(t *testing.T) {
	_, s := newTestSpill(t, 128)

	// Lands in chunk 2; chunks 0 and 1 are materialized as zeros
	if _, err := s.WriteAt([]byte("tail"), 300); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if s.Len() != 304 {
		t.Fatalf("Len() = %d, want 304", s.Len())
	}

	got := make([]byte, 304)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got[:300], make([]byte, 300)) {
		t.Fatal("gap before first write is not zero")
	}
	if string(got[300:]) != "tail" {
		t.Fatalf("tail read back %q", got[300:])
	}
}

func TestSpillStore_ReadAtEOF(t *testing.T) {
	_, s := newTestSpill(t, 128)

	if _, err := s.WriteAt([]byte("12345"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if n, err := s.ReadAt(make([]byte, 4), 5); n != 0 || err != io.EOF {
		t.Fatalf("read at end = (%d, %v), want (0, EOF)", n, err)
	}

	p := make([]byte, 10)
	n, err := s.ReadAt(p, 2)
	if n != 3 || err != io.EOF {
		t.Fatalf("tail read = (%d, %v), want (3, EOF)", n, err)
	}
	if string(p[:n]) != "345" {
		t.Fatalf("tail read got %q, want %q", p[:n], "345")
	}
}

func TestSpillStore_Truncate(t *testing.T) {
	_, s := newTestSpill(t, 128)

	payload := spillPattern(500)
	if _, err := s.WriteAt(payload, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := s.Truncate(200); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	if s.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", s.Len())
	}
	if n, err := s.ReadAt(make([]byte, 4), 200); n != 0 || err != io.EOF {
		t.Fatalf("read past truncation = (%d, %v), want (0, EOF)", n, err)
	}

	// Grow back: the vacated range reads as zeros, the head is intact
	if err := s.Truncate(500); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	got := make([]byte, 500)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got[:200], payload[:200]) {
		t.Fatal("bytes before the truncation point changed")
	}
	if !bytes.Equal(got[200:], make([]byte, 300)) {
		t.Fatal("truncated bytes resurrected after grow")
	}
}

func TestSpillStore_NoPlaintextOnBase(t *testing.T) {
	base, s := newTestSpill(t, 128)

	secret := []byte("top secret model weights do not leak")
	if _, err := s.WriteAt(secret, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Touch another chunk, then return, so both frames hit the file
	if _, err := s.WriteAt([]byte("x"), 200); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := s.ReadAt(make([]byte, 1), 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	f, err := base.OpenFile(s.name, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("failed to open staging file: %v", err)
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("failed to read staging file: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("staging file is empty")
	}
	if bytes.Contains(raw, secret) {
		t.Fatal("staging file contains plaintext")
	}
}

func TestSpillStore_Release(t *testing.T) {
	base, s := newTestSpill(t, 128)

	if _, err := s.WriteAt(spillPattern(200), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	name := s.name

	if err := s.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := base.Stat(name); err == nil {
		t.Fatal("staging file survived release")
	}

	if _, err := s.WriteAt([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after release = %v, want ErrClosed", err)
	}
	if _, err := s.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after release = %v, want ErrClosed", err)
	}
	if err := s.Truncate(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("truncate after release = %v, want ErrClosed", err)
	}

	// Release is idempotent
	if err := s.Release(); err != nil {
		t.Fatalf("second release = %v, want nil", err)
	}
}

func TestSpillStore_Validation(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create base filesystem: %v", err)
	}
	if err := base.MkdirAll("/tmp", 0700); err != nil {
		t.Fatalf("failed to create spill dir: %v", err)
	}

	if _, err := newSpillStore(base, "/tmp", CipherAES256GCM, MinChunkSize-1); !IsConfigError(err) {
		t.Fatalf("undersized chunk = %v, want config error", err)
	}

	_, s := newTestSpill(t, 128)
	if _, err := s.WriteAt(nil, 0); !errors.Is(err, ErrNilBuffer) {
		t.Fatalf("nil write buffer = %v, want ErrNilBuffer", err)
	}
	if _, err := s.WriteAt([]byte("x"), -1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative write offset = %v, want ErrNegativeOffset", err)
	}
	if _, err := s.ReadAt(make([]byte, 1), -1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative read offset = %v, want ErrNegativeOffset", err)
	}
	if err := s.Truncate(-1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative truncate = %v, want ErrNegativeOffset", err)
	}
}

func TestShredBytes(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create base filesystem: %v", err)
	}
	if err := base.MkdirAll("/tmp", 0700); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	original := spillPattern(300)
	f, err := base.OpenFile("/tmp/victim", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(original); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := shredBytes(f, "/tmp/victim", 300); err != nil {
		t.Fatalf("shred failed: %v", err)
	}

	after := make([]byte, 300)
	if _, err := f.ReadAt(after, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if bytes.Equal(after, original) {
		t.Fatal("shred left original bytes in place")
	}

	// Zero-length shred is a no-op
	if err := shredBytes(f, "/tmp/victim", 0); err != nil {
		t.Fatalf("zero-length shred = %v, want nil", err)
	}
}
