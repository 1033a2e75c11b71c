package sealio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestAllocateSecure(t *testing.T) {
	r, err := AllocateSecure(64)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	defer r.Release()

	if r.Len() != 64 {
		t.Fatalf("Len() = %d, want 64", r.Len())
	}
	if len(r.Bytes()) != 64 {
		t.Fatalf("len(Bytes()) = %d, want 64", len(r.Bytes()))
	}
	if !r.Pinned() {
		t.Fatal("fresh region not pinned")
	}

	for _, size := range []int{0, -1} {
		if _, err := AllocateSecure(size); !IsConfigError(err) {
			t.Fatalf("AllocateSecure(%d) = %v, want config error", size, err)
		}
	}
}

func TestSecureRegion_Wipe(t *testing.T) {
	r, err := AllocateSecure(32)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	defer r.Release()

	copy(r.Bytes(), bytes.Repeat([]byte{0xDE}, 32))
	r.Wipe()

	if !bytes.Equal(r.Bytes(), make([]byte, 32)) {
		t.Fatal("wipe left nonzero bytes")
	}

	// The region stays usable after a wipe
	copy(r.Bytes(), []byte("still here"))
	if !bytes.Equal(r.Bytes()[:10], []byte("still here")) {
		t.Fatal("region unusable after wipe")
	}
}

func TestSecureRegion_Release(t *testing.T) {
	r, err := AllocateSecure(32)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	if err := r.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if r.Bytes() != nil {
		t.Fatal("Bytes() non-nil after release")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after release, want 0", r.Len())
	}
	if r.Pinned() {
		t.Fatal("released region reports pinned")
	}

	// Release is idempotent
	if err := r.Release(); err != nil {
		t.Fatalf("second release = %v, want nil", err)
	}
	r.Wipe() // must not panic
}

func TestWipeBytes(t *testing.T) {
	b := bytes.Repeat([]byte{0xFF}, 17)
	wipeBytes(b)
	if !bytes.Equal(b, make([]byte, 17)) {
		t.Fatal("wipeBytes left nonzero bytes")
	}

	wipeBytes(nil)
	wipeBytes([]byte{})
}

func TestSecureBuffer_RoundTrip(t *testing.T) {
	b := newSecureBuffer(16)
	defer b.Release()

	// Spans four segments
	payload := bytes.Repeat([]byte("abcdefgh"), 7)
	n, err := b.WriteAt(payload, 0)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if b.Len() != int64(len(payload)) {
		t.Fatalf("Len() = %d, want %d", b.Len(), len(payload))
	}

	got := make([]byte, len(payload))
	if _, err := b.ReadAt(got, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back different bytes")
	}

	// Overwrite in the middle of a segment boundary
	if _, err := b.WriteAt([]byte("XYZ"), 14); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	region := make([]byte, 3)
	if _, err := b.ReadAt(region, 14); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(region) != "XYZ" {
		t.Fatalf("overwrite read back %q, want %q", region, "XYZ")
	}
}

func TestSecureBuffer_GapReadsZero(t *testing.T) {
	b := newSecureBuffer(16)
	defer b.Release()

	if _, err := b.WriteAt([]byte("tail"), 40); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if b.Len() != 44 {
		t.Fatalf("Len() = %d, want 44", b.Len())
	}

	gap := make([]byte, 40)
	if _, err := b.ReadAt(gap, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(gap, make([]byte, 40)) {
		t.Fatal("gap before first write is not zero")
	}
}

func TestSecureBuffer_ReadAtEOF(t *testing.T) {
	b := newSecureBuffer(16)
	defer b.Release()

	if _, err := b.WriteAt([]byte("12345"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// At and past the end
	if n, err := b.ReadAt(make([]byte, 4), 5); n != 0 || err != io.EOF {
		t.Fatalf("read at end = (%d, %v), want (0, EOF)", n, err)
	}
	if n, err := b.ReadAt(make([]byte, 4), 100); n != 0 || err != io.EOF {
		t.Fatalf("read past end = (%d, %v), want (0, EOF)", n, err)
	}

	// Short read at the tail
	p := make([]byte, 10)
	n, err := b.ReadAt(p, 2)
	if n != 3 || err != io.EOF {
		t.Fatalf("tail read = (%d, %v), want (3, EOF)", n, err)
	}
	if string(p[:n]) != "345" {
		t.Fatalf("tail read got %q, want %q", p[:n], "345")
	}
}

func TestSecureBuffer_Validation(t *testing.T) {
	b := newSecureBuffer(16)
	defer b.Release()

	if _, err := b.WriteAt(nil, 0); !errors.Is(err, ErrNilBuffer) {
		t.Fatalf("nil write buffer = %v, want ErrNilBuffer", err)
	}
	if _, err := b.WriteAt([]byte("x"), -1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative write offset = %v, want ErrNegativeOffset", err)
	}
	if _, err := b.ReadAt(nil, 0); !errors.Is(err, ErrNilBuffer) {
		t.Fatalf("nil read buffer = %v, want ErrNilBuffer", err)
	}
	if _, err := b.ReadAt(make([]byte, 1), -1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative read offset = %v, want ErrNegativeOffset", err)
	}
	if err := b.Truncate(-1); !errors.Is(err, ErrNegativeOffset) {
		t.Fatalf("negative truncate = %v, want ErrNegativeOffset", err)
	}
}

func TestSecureBuffer_Truncate(t *testing.T) {
	b := newSecureBuffer(8)
	defer b.Release()

	payload := bytes.Repeat([]byte{0xAB}, 30)
	if _, err := b.WriteAt(payload, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if len(b.segments) != 4 {
		t.Fatalf("segments = %d, want 4", len(b.segments))
	}

	// Shrink: segments past the boundary are released
	if err := b.Truncate(10); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	if b.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", b.Len())
	}
	if len(b.segments) != 2 {
		t.Fatalf("segments after shrink = %d, want 2", len(b.segments))
	}

	// Grow back: the vacated range must not resurrect old bytes
	if err := b.Truncate(30); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	tail := make([]byte, 20)
	if _, err := b.ReadAt(tail, 10); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(tail, make([]byte, 20)) {
		t.Fatal("truncated bytes resurrected after grow")
	}

	head := make([]byte, 10)
	if _, err := b.ReadAt(head, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(head, payload[:10]) {
		t.Fatal("bytes before the truncation point changed")
	}
}

func TestSecureBuffer_SegmentBytes(t *testing.T) {
	b := newSecureBuffer(8)
	defer b.Release()

	if _, err := b.WriteAt(bytes.Repeat([]byte{1}, 20), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := b.segmentBytes(0); len(got) != 8 {
		t.Fatalf("segment 0 length = %d, want 8", len(got))
	}
	if b.segmentBytes(-1) != nil {
		t.Fatal("negative segment index returned bytes")
	}
	if b.segmentBytes(3) != nil {
		t.Fatal("out-of-range segment index returned bytes")
	}
}

func TestSecureBuffer_Release(t *testing.T) {
	b := newSecureBuffer(16)
	if _, err := b.WriteAt([]byte("secret"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := b.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d after release, want 0", b.Len())
	}
	if _, err := b.WriteAt([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after release = %v, want ErrClosed", err)
	}
	if _, err := b.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after release = %v, want ErrClosed", err)
	}
	if err := b.Truncate(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("truncate after release = %v, want ErrClosed", err)
	}
	if b.segmentBytes(0) != nil {
		t.Fatal("segmentBytes non-nil after release")
	}

	// Release is idempotent
	if err := b.Release(); err != nil {
		t.Fatalf("second release = %v, want nil", err)
	}
}
