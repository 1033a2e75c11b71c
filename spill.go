package sealio

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// spillStore stages plaintext that outgrew the in-memory staging budget in
// an encrypted temp file on the base filesystem. Every chunk is sealed with
// a throwaway per-spill key under counter nonces; the key never leaves
// pinned memory and the file is shredded on release.
//
// Chunk geometry is fixed: chunk i covers plaintext [i*chunkSize,
// (i+1)*chunkSize). A chunk may hold fewer stored bytes than its span;
// the remainder reads back as zeros.
type spillStore struct {
	fsys      absfs.FileSystem
	file      absfs.File
	name      string
	engine    CipherEngine
	key       *SecureRegion
	nonces    *nonceSequence
	chunkSize int

	offsets []int64 // Frame offset per chunk
	sizes   []int   // Stored plaintext bytes per chunk
	length  int64   // Staged plaintext length
	fileEnd int64   // Append position for the next frame

	current    int // Loaded chunk index, -1 if none
	buf        *SecureRegion
	bufLen     int
	chunkDirty bool
	released   bool
}

// newSpillStore creates an empty spill store backed by a fresh temp file in
// dir. The caller owns the store and must Release it.
func newSpillStore(fsys absfs.FileSystem, dir string, cipher CipherSuite, chunkSize int) (*spillStore, error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	name := path.Join(dir, "spill-"+uuid.New().String()+".sealed")
	file, err := fsys.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, NewIOError("create", name, err)
	}

	s := &spillStore{
		fsys:      fsys,
		file:      file,
		name:      name,
		chunkSize: chunkSize,
		current:   -1,
	}
	if err := s.initKey(cipher); err != nil {
		file.Close()
		fsys.Remove(name)
		return nil, err
	}

	s.buf, err = AllocateSecure(chunkSize)
	if err != nil {
		s.key.Release()
		file.Close()
		fsys.Remove(name)
		return nil, err
	}
	return s, nil
}

// initKey generates the throwaway spill key and its nonce sequence
func (s *spillStore) initKey(cipher CipherSuite) error {
	key, err := AllocateSecure(KeySize)
	if err != nil {
		return err
	}
	if _, err := rand.Read(key.Bytes()); err != nil {
		key.Release()
		return NewKeyInitError("entropy", err)
	}

	engine, err := NewCipherEngine(cipher, key.Bytes())
	if err != nil {
		key.Release()
		return err
	}

	nonces, err := newNonceSequence()
	if err != nil {
		key.Release()
		return err
	}

	s.key = key
	s.engine = engine
	s.nonces = nonces
	return nil
}

// Len returns the staged plaintext length
func (s *spillStore) Len() int64 {
	return s.length
}

// ensureLoaded makes chunk idx the current chunk, flushing the previous one
// if it has unwritten changes. An index at or past the stored chunk count
// yields an empty chunk.
func (s *spillStore) ensureLoaded(idx int) error {
	if idx == s.current {
		return nil
	}

	if err := s.flushChunk(); err != nil {
		return err
	}

	s.buf.Wipe()
	s.bufLen = 0
	s.current = idx
	s.chunkDirty = false

	if idx >= len(s.offsets) {
		return nil
	}

	if _, err := s.file.Seek(s.offsets[idx], io.SeekStart); err != nil {
		return NewIOError("seek", s.name, err)
	}
	plaintext, err := readFrame(s.file, s.engine)
	if err != nil {
		return NewIntegrityError(s.name, idx, err)
	}
	if len(plaintext) > s.chunkSize {
		wipeBytes(plaintext)
		return NewIntegrityError(s.name, idx, fmt.Errorf("chunk exceeds chunk size: %d", len(plaintext)))
	}

	copy(s.buf.Bytes(), plaintext)
	s.bufLen = len(plaintext)
	wipeBytes(plaintext)
	return nil
}

// flushChunk seals the current chunk into a fresh frame. Rewrites append a
// new frame and orphan the old bytes until release.
func (s *spillStore) flushChunk() error {
	if !s.chunkDirty || s.current < 0 {
		return nil
	}

	nonce, err := s.nonces.Next()
	if err != nil {
		return err
	}
	frame, err := encodeFrame(s.engine, nonce, s.buf.Bytes()[:s.bufLen], nil)
	if err != nil {
		return err
	}

	offset := s.fileEnd
	if _, err := s.file.WriteAt(frame, offset); err != nil {
		return NewIOError("write", s.name, err)
	}
	s.fileEnd += int64(len(frame))

	if s.current < len(s.offsets) {
		s.offsets[s.current] = offset
		s.sizes[s.current] = s.bufLen
	} else {
		s.offsets = append(s.offsets, offset)
		s.sizes = append(s.sizes, s.bufLen)
	}

	s.chunkDirty = false
	return nil
}

// materializeTo appends frames until idx chunks exist, so a later append
// lands at the right index. Gap chunks read back as zeros.
func (s *spillStore) materializeTo(idx int) error {
	for len(s.offsets) < idx {
		if err := s.ensureLoaded(len(s.offsets)); err != nil {
			return err
		}
		s.chunkDirty = true
		if err := s.flushChunk(); err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes p at the given offset, extending the staged length as
// needed. Gaps between the previous end and off read back as zeros.
func (s *spillStore) WriteAt(p []byte, off int64) (int, error) {
	if s.released {
		return 0, ErrClosed
	}
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if firstIdx := int(off / int64(s.chunkSize)); firstIdx > len(s.offsets) {
		if err := s.materializeTo(firstIdx); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		idx := int(pos / int64(s.chunkSize))
		inChunk := int(pos % int64(s.chunkSize))

		if err := s.ensureLoaded(idx); err != nil {
			return n, err
		}

		toWrite := len(p) - n
		if avail := s.chunkSize - inChunk; toWrite > avail {
			toWrite = avail
		}
		copy(s.buf.Bytes()[inChunk:], p[n:n+toWrite])
		if inChunk+toWrite > s.bufLen {
			s.bufLen = inChunk + toWrite
		}
		s.chunkDirty = true
		n += toWrite
	}

	if end := off + int64(len(p)); end > s.length {
		s.length = end
	}
	return n, nil
}

// ReadAt reads into p from the given offset. Reads at or past the staged
// length return io.EOF.
func (s *spillStore) ReadAt(p []byte, off int64) (int, error) {
	if s.released {
		return 0, ErrClosed
	}
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	if off >= s.length {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > s.length {
		want = s.length - off
	}

	n := 0
	for int64(n) < want {
		pos := off + int64(n)
		idx := int(pos / int64(s.chunkSize))
		inChunk := int(pos % int64(s.chunkSize))

		if err := s.ensureLoaded(idx); err != nil {
			return n, err
		}

		toRead := int(want) - n
		if avail := s.chunkSize - inChunk; toRead > avail {
			toRead = avail
		}
		// Bytes past bufLen are zeros; the chunk buffer is wiped on load
		n += copy(p[n:n+toRead], s.buf.Bytes()[inChunk:inChunk+toRead])
	}

	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Truncate changes the staged length. Shrinking wipes the vacated bytes in
// the boundary chunk and drops whole chunks past it; growing exposes zeros.
func (s *spillStore) Truncate(size int64) error {
	if s.released {
		return ErrClosed
	}
	if size < 0 {
		return ErrNegativeOffset
	}

	if size < s.length {
		keepChunks := int((size + int64(s.chunkSize) - 1) / int64(s.chunkSize))
		if s.current >= keepChunks {
			s.buf.Wipe()
			s.bufLen = 0
			s.current = -1
			s.chunkDirty = false
		}
		if keepChunks < len(s.offsets) {
			s.offsets = s.offsets[:keepChunks]
			s.sizes = s.sizes[:keepChunks]
		}
		if keep := int(size % int64(s.chunkSize)); keep > 0 {
			idx := int(size / int64(s.chunkSize))
			if idx < len(s.offsets) || idx == s.current {
				if err := s.ensureLoaded(idx); err != nil {
					return err
				}
				if s.bufLen > keep {
					wipeBytes(s.buf.Bytes()[keep:s.bufLen])
					s.bufLen = keep
					s.chunkDirty = true
				}
			}
		}
	}

	s.length = size
	return nil
}

// Release shreds and unlinks the staging file and wipes the spill key.
// Safe to call more than once.
func (s *spillStore) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	var firstErr error
	if err := s.shred(); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.fsys.Remove(s.name); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
	if s.key != nil {
		s.key.Release()
		s.key = nil
	}
	s.offsets, s.sizes = nil, nil
	return firstErr
}

// shred overwrites the staging file with random bytes and syncs it before
// the unlink
func (s *spillStore) shred() error {
	return shredBytes(s.file, s.name, s.fileEnd)
}

// shredBytes overwrites the first size bytes of f with random data and
// syncs the result to stable storage
func shredBytes(f absfs.File, name string, size int64) error {
	if size == 0 {
		return nil
	}

	buf := make([]byte, DefaultChunkSize)
	var off int64
	for off < size {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return NewKeyInitError("entropy", err)
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return NewIOError("write", name, err)
		}
		off += n
	}
	return f.Sync()
}
