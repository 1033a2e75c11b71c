package sealio

import (
	"io"
	"runtime"
)

// SecureRegion is a pinned memory region for key material and plaintext
// staging. Regions are excluded from swap and core dumps, and are always
// wiped before being unmapped. Release is idempotent.
type SecureRegion struct {
	buf      []byte
	size     int
	pinned   bool
	released bool
}

// AllocateSecure allocates a pinned region of the given size. Allocation
// fails loudly if pinning is unavailable rather than degrading to unpinned
// memory.
func AllocateSecure(size int) (*SecureRegion, error) {
	if size <= 0 {
		return nil, NewConfigError("size", size, "secure region size must be positive")
	}

	buf, err := allocPinned(size)
	if err != nil {
		return nil, err
	}

	return &SecureRegion{
		buf:    buf,
		size:   size,
		pinned: true,
	}, nil
}

// Bytes returns the region's backing slice. The slice must not be retained
// past Release.
func (r *SecureRegion) Bytes() []byte {
	if r.released {
		return nil
	}
	return r.buf[:r.size]
}

// Len returns the usable size of the region
func (r *SecureRegion) Len() int {
	if r.released {
		return 0
	}
	return r.size
}

// Pinned reports whether the region is excluded from swap
func (r *SecureRegion) Pinned() bool {
	return r.pinned && !r.released
}

// Wipe overwrites the region with zeros. The region remains usable.
func (r *SecureRegion) Wipe() {
	if r.released {
		return
	}
	wipeBytes(r.buf)
}

// Release wipes the region and returns it to the kernel. Wipe-then-unmap
// ordering is an invariant: the plaintext is gone before the pages are.
// Safe to call more than once.
func (r *SecureRegion) Release() error {
	if r.released {
		return nil
	}
	wipeBytes(r.buf)
	err := freePinned(r.buf)
	r.buf = nil
	r.released = true
	r.pinned = false
	return err
}

// wipeBytes overwrites b with zeros. Marked noinline so the loop is not
// elided as a dead store on the release path.
//
//go:noinline
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// secureBuffer stages plaintext across fixed-capacity pinned segments,
// growing one segment at a time so partial payloads never force a single
// large locked mapping.
type secureBuffer struct {
	segSize  int
	segments []*SecureRegion
	length   int64
	released bool
}

// newSecureBuffer creates an empty staging buffer with the given segment
// capacity
func newSecureBuffer(segSize int) *secureBuffer {
	if segSize <= 0 {
		segSize = DefaultChunkSize
	}
	return &secureBuffer{segSize: segSize}
}

// Len returns the staged plaintext length
func (b *secureBuffer) Len() int64 {
	return b.length
}

// grow ensures the buffer has segments covering size bytes
func (b *secureBuffer) grow(size int64) error {
	need := int((size + int64(b.segSize) - 1) / int64(b.segSize))
	for len(b.segments) < need {
		seg, err := AllocateSecure(b.segSize)
		if err != nil {
			return err
		}
		b.segments = append(b.segments, seg)
	}
	return nil
}

// WriteAt writes p at the given offset, extending the buffer as needed.
// Gaps between the previous end and off read back as zeros.
func (b *secureBuffer) WriteAt(p []byte, off int64) (int, error) {
	if b.released {
		return 0, ErrClosed
	}
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	if err := b.grow(end); err != nil {
		return 0, err
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		seg := b.segments[pos/int64(b.segSize)]
		n += copy(seg.Bytes()[pos%int64(b.segSize):], p[n:])
	}
	if end > b.length {
		b.length = end
	}
	return n, nil
}

// ReadAt reads into p from the given offset. Reads at or past the staged
// length return io.EOF.
func (b *secureBuffer) ReadAt(p []byte, off int64) (int, error) {
	if b.released {
		return 0, ErrClosed
	}
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	if off >= b.length {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > b.length {
		want = b.length - off
	}

	n := 0
	for int64(n) < want {
		pos := off + int64(n)
		seg := b.segments[pos/int64(b.segSize)]
		avail := seg.Bytes()[pos%int64(b.segSize):]
		if rem := want - int64(n); rem < int64(len(avail)) {
			avail = avail[:rem]
		}
		n += copy(p[n:], avail)
	}

	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// segmentBytes returns the backing bytes of segment i, nil if absent.
// Segments are segSize-aligned windows onto the staged plaintext.
func (b *secureBuffer) segmentBytes(i int) []byte {
	if b.released || i < 0 || i >= len(b.segments) {
		return nil
	}
	return b.segments[i].Bytes()
}

// Truncate changes the staged length. Shrinking wipes the vacated bytes so
// a later grow does not resurrect them; growing exposes zeros.
func (b *secureBuffer) Truncate(size int64) error {
	if b.released {
		return ErrClosed
	}
	if size < 0 {
		return ErrNegativeOffset
	}

	if size < b.length {
		// Wipe the tail of the boundary segment
		if keep := int(size % int64(b.segSize)); keep > 0 {
			idx := int(size / int64(b.segSize))
			if idx < len(b.segments) {
				wipeBytes(b.segments[idx].Bytes()[keep:])
			}
		}
		// Release whole segments past the boundary
		first := int((size + int64(b.segSize) - 1) / int64(b.segSize))
		for i := first; i < len(b.segments); i++ {
			b.segments[i].Release()
		}
		b.segments = b.segments[:first]
	} else if size > b.length {
		if err := b.grow(size); err != nil {
			return err
		}
	}

	b.length = size
	return nil
}

// Release wipes and unmaps every segment. Safe to call more than once.
func (b *secureBuffer) Release() error {
	if b.released {
		return nil
	}
	var firstErr error
	for _, seg := range b.segments {
		if err := seg.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.segments = nil
	b.length = 0
	b.released = true
	return firstErr
}
