package sealio

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// stager is the staging backend behind a handle: pinned memory for small
// payloads, an encrypted spill file once the payload outgrows the budget
type stager interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Len() int64
	Release() error
}

// handle is an open sealed file. All plaintext lives in staging; the base
// file only ever sees the header and sealed frames, rewritten in full on
// flush.
type handle struct {
	fs     *FS
	base   absfs.File
	name   string
	policy Policy
	cipher CipherSuite
	flags  int

	key    *SecureRegion
	engine CipherEngine

	mu         sync.Mutex
	staging    stager
	spilled    bool
	offset     int64
	dirty      bool
	closed     bool
	seenNonces map[string]struct{}
}

// newHandle opens a sealed file over base. Existing content is
// authenticated and staged before the first Read or Write; a load failure
// closes base and returns without exposing partial plaintext.
func newHandle(fs *FS, base absfs.File, name string, policy Policy, flags int) (*handle, error) {
	key, err := fs.keys.DeriveFileKey(name)
	if err != nil {
		return nil, err
	}

	h := &handle{
		fs:         fs,
		base:       base,
		name:       name,
		policy:     policy,
		cipher:     resolveCipher(fs.config.Cipher),
		flags:      flags,
		key:        key,
		seenNonces: make(map[string]struct{}),
	}

	info, err := base.Stat()
	if err != nil {
		key.Release()
		return nil, err
	}

	if info.Size() > 0 {
		if err := h.load(info.Size()); err != nil {
			h.release()
			return nil, err
		}
	} else {
		h.engine, err = NewCipherEngine(h.cipher, key.Bytes())
		if err != nil {
			h.release()
			return nil, err
		}
		h.staging = newSecureBuffer(fs.config.chunkSize())
		if flags&(os.O_CREATE|os.O_TRUNC) != 0 {
			h.dirty = true
		}
	}

	if flags&os.O_APPEND != 0 {
		h.offset = h.staging.Len()
	}
	return h, nil
}

// load authenticates and stages the existing sealed content. Files whose
// sealed size exceeds the spill threshold stream straight into a spill
// store; smaller files are opened frame-parallel into pinned memory.
func (h *handle) load(sealedSize int64) error {
	if _, err := h.base.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", h.name, err)
	}

	header := &FileHeader{}
	if _, err := header.ReadFrom(h.base); err != nil {
		return NewIntegrityError(h.name, -1, err)
	}
	if err := header.Validate(); err != nil {
		return NewIntegrityError(h.name, -1, err)
	}
	h.cipher = header.Cipher

	engine, err := NewCipherEngine(header.Cipher, h.key.Bytes())
	if err != nil {
		return err
	}
	h.engine = engine

	if sealedSize > h.fs.config.spillThreshold() {
		return h.loadSpilled(engine)
	}
	return h.loadStaged(engine)
}

// loadStaged reads every frame body, opens them in parallel and copies the
// plaintext into pinned staging
func (h *handle) loadStaged(engine CipherEngine) error {
	var jobs []openJob
	for i := 0; ; i++ {
		body, err := readFrameBody(h.base, engine)
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewIntegrityError(h.name, i, err)
		}
		jobs = append(jobs, openJob{index: i, body: body})
	}

	if err := openFrames(engine, jobs, h.fs.config.Parallel); err != nil {
		for i := range jobs {
			wipeBytes(jobs[i].plaintext)
		}
		return NewIntegrityError(h.name, -1, err)
	}

	staging := newSecureBuffer(h.fs.config.chunkSize())
	var off int64
	for i := range jobs {
		_, err := staging.WriteAt(jobs[i].plaintext, off)
		off += int64(len(jobs[i].plaintext))
		wipeBytes(jobs[i].plaintext)
		if err != nil {
			for j := i + 1; j < len(jobs); j++ {
				wipeBytes(jobs[j].plaintext)
			}
			staging.Release()
			return err
		}
	}

	h.staging = staging
	return nil
}

// loadSpilled streams frames one at a time into an encrypted spill store
func (h *handle) loadSpilled(engine CipherEngine) error {
	spill, err := newSpillStore(h.fs.base, h.fs.spillDir, h.cipher, h.fs.config.chunkSize())
	if err != nil {
		return err
	}

	var off int64
	for i := 0; ; i++ {
		plaintext, err := readFrame(h.base, engine)
		if err == io.EOF {
			break
		}
		if err != nil {
			spill.Release()
			return NewIntegrityError(h.name, i, err)
		}

		_, werr := spill.WriteAt(plaintext, off)
		off += int64(len(plaintext))
		wipeBytes(plaintext)
		if werr != nil {
			spill.Release()
			return werr
		}
	}

	h.staging = spill
	h.spilled = true
	return nil
}

// maybeSpill promotes pinned staging to an encrypted spill file once the
// staged length crosses the threshold
func (h *handle) maybeSpill() error {
	if h.spilled || h.staging.Len() <= h.fs.config.spillThreshold() {
		return nil
	}
	sb, ok := h.staging.(*secureBuffer)
	if !ok {
		return nil
	}

	chunk := h.fs.config.chunkSize()
	spill, err := newSpillStore(h.fs.base, h.fs.spillDir, h.cipher, chunk)
	if err != nil {
		return err
	}

	length := sb.Len()
	for off := int64(0); off < length; off += int64(chunk) {
		seg := sb.segmentBytes(int(off / int64(chunk)))
		n := length - off
		if n > int64(chunk) {
			n = int64(chunk)
		}
		if _, err := spill.WriteAt(seg[:n], off); err != nil {
			spill.Release()
			return err
		}
	}

	h.staging = spill
	h.spilled = true
	h.dirty = true
	return sb.Release()
}

// frameNonces generates one fresh nonce per frame and refuses any value
// this handle has already sealed with
func (h *handle) frameNonces(frames int) ([][]byte, error) {
	nonces := make([][]byte, frames)
	for i := range nonces {
		nonce, err := GenerateNonce(h.cipher)
		if err != nil {
			return nil, err
		}
		if _, dup := h.seenNonces[string(nonce)]; dup {
			return nil, ErrNonceReuse
		}
		h.seenNonces[string(nonce)] = struct{}{}
		nonces[i] = nonce
	}
	return nonces, nil
}

// flush rewrites the base file as header plus sealed frames and refreshes
// the digest sidecar. The plaintext SHA-256 is accumulated frame by frame.
func (h *handle) flush() error {
	if !h.dirty {
		return nil
	}

	length := h.staging.Len()
	chunk := int64(h.fs.config.chunkSize())
	frames := int((length + chunk - 1) / chunk)

	nonces, err := h.frameNonces(frames)
	if err != nil {
		return err
	}

	if _, err := h.base.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", h.name, err)
	}
	header := NewFileHeader(h.cipher, h.fs.padder.active())
	if _, err := header.WriteTo(h.base); err != nil {
		return NewIOError("write", h.name, err)
	}

	hash := sha256.New()
	if sb, ok := h.staging.(*secureBuffer); ok {
		err = h.flushStaged(sb, nonces, hash)
	} else {
		err = h.flushSpilled(nonces, hash)
	}
	if err != nil {
		return err
	}

	// Drop any stale sealed bytes past the new end
	pos, err := h.base.Seek(0, io.SeekCurrent)
	if err != nil {
		return NewIOError("seek", h.name, err)
	}
	if err := h.base.Truncate(pos); err != nil {
		return NewIOError("truncate", h.name, err)
	}

	if err := writeDigest(h.fs.base, h.name, hash.Sum(nil)); err != nil {
		return err
	}

	h.dirty = false
	return nil
}

// flushStaged seals pinned staging segments in parallel and writes the
// frames in order
func (h *handle) flushStaged(sb *secureBuffer, nonces [][]byte, hash io.Writer) error {
	length := sb.Len()
	chunk := int64(h.fs.config.chunkSize())

	jobs := make([]sealJob, len(nonces))
	for i := range jobs {
		n := length - int64(i)*chunk
		if n > chunk {
			n = chunk
		}
		padding, err := h.fs.padder.pad()
		if err != nil {
			return err
		}
		jobs[i] = sealJob{
			index:     i,
			nonce:     nonces[i],
			plaintext: sb.segmentBytes(i)[:n],
			padding:   padding,
		}
	}

	if err := sealFrames(h.engine, jobs, h.fs.config.Parallel); err != nil {
		return err
	}

	for i := range jobs {
		hash.Write(jobs[i].plaintext)
		if _, err := h.base.Write(jobs[i].frame); err != nil {
			return NewIOError("write", h.name, err)
		}
	}
	return nil
}

// flushSpilled streams spill chunks through a single pinned scratch region
// and seals them sequentially
func (h *handle) flushSpilled(nonces [][]byte, hash io.Writer) error {
	chunk := h.fs.config.chunkSize()
	scratch, err := AllocateSecure(chunk)
	if err != nil {
		return err
	}
	defer scratch.Release()

	length := h.staging.Len()
	for i := range nonces {
		off := int64(i) * int64(chunk)
		n := length - off
		if n > int64(chunk) {
			n = int64(chunk)
		}

		if _, err := h.staging.ReadAt(scratch.Bytes()[:n], off); err != nil && err != io.EOF {
			return err
		}
		padding, err := h.fs.padder.pad()
		if err != nil {
			return err
		}
		frame, err := encodeFrame(h.engine, nonces[i], scratch.Bytes()[:n], padding)
		if err != nil {
			return err
		}

		hash.Write(scratch.Bytes()[:n])
		if _, err := h.base.Write(frame); err != nil {
			return NewIOError("write", h.name, err)
		}
	}
	return nil
}

// release wipes key material and staging synchronously
func (h *handle) release() error {
	var firstErr error
	if h.staging != nil {
		if err := h.staging.Release(); err != nil {
			firstErr = err
		}
		h.staging = nil
	}
	if h.key != nil {
		if err := h.key.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.key = nil
	}
	h.engine = nil
	return firstErr
}

func (h *handle) writable() bool {
	return h.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

func (h *handle) readable() bool {
	return h.flags&os.O_WRONLY == 0
}

// Name returns the name of the file
func (h *handle) Name() string {
	return h.name
}

// Read reads from the staged plaintext
func (h *handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}
	if !h.readable() {
		return 0, &PermissionError{Op: OpRead, Path: h.name, Message: "file not opened for reading"}
	}

	h.fs.jitter.sleep()

	n, err := h.staging.ReadAt(p, h.offset)
	h.offset += int64(n)
	return n, err
}

// Write writes to the staged plaintext; the base file is rewritten on
// Sync or Close
func (h *handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}
	if !h.writable() {
		return 0, &PermissionError{Op: OpWrite, Path: h.name, Message: "file not opened for writing"}
	}

	h.fs.jitter.sleep()

	if h.flags&os.O_APPEND != 0 {
		h.offset = h.staging.Len()
	}

	n, err := h.staging.WriteAt(p, h.offset)
	h.offset += int64(n)
	if n > 0 {
		h.dirty = true
	}
	if err != nil {
		return n, err
	}
	return n, h.maybeSpill()
}

// WriteString writes a string to the file
func (h *handle) WriteString(s string) (int, error) {
	return h.Write([]byte(s))
}

// ReadAt reads from a specific offset in the staged plaintext
func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}
	if !h.readable() {
		return 0, &PermissionError{Op: OpRead, Path: h.name, Message: "file not opened for reading"}
	}

	h.fs.jitter.sleep()
	return h.staging.ReadAt(p, off)
}

// WriteAt writes to a specific offset in the staged plaintext
func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}
	if !h.writable() {
		return 0, &PermissionError{Op: OpWrite, Path: h.name, Message: "file not opened for writing"}
	}

	h.fs.jitter.sleep()

	n, err := h.staging.WriteAt(p, off)
	if n > 0 {
		h.dirty = true
	}
	if err != nil {
		return n, err
	}
	return n, h.maybeSpill()
}

// Seek sets the offset for the next Read or Write
func (h *handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = h.offset + offset
	case io.SeekEnd:
		newOffset = h.staging.Len() + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newOffset < 0 {
		return 0, ErrNegativeOffset
	}
	h.offset = newOffset
	return newOffset, nil
}

// Truncate changes the size of the staged plaintext
func (h *handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if !h.writable() {
		return &PermissionError{Op: OpWrite, Path: h.name, Message: "file not opened for writing"}
	}

	if err := h.staging.Truncate(size); err != nil {
		return err
	}
	h.dirty = true
	return h.maybeSpill()
}

// Sync flushes pending writes to stable storage
func (h *handle) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if err := h.flush(); err != nil {
		return err
	}
	return h.base.Sync()
}

// Close flushes pending writes, wipes the staged plaintext and file key,
// and releases the handle table slot. The wipe happens on every exit path.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.closed = true

	flushErr := h.flush()
	closeErr := h.base.Close()
	releaseErr := h.release()
	h.fs.forgetHandle(h)

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return closeErr
	}
	return releaseErr
}

// Stat reports the staged plaintext view of the file: the size is the
// logical content length, not the sealed on-disk length
func (h *handle) Stat() (os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	info, err := h.base.Stat()
	if err != nil {
		return nil, err
	}
	return &handleInfo{FileInfo: info, name: path.Base(h.name), size: h.staging.Len()}, nil
}

// Readdir reads directory entries
func (h *handle) Readdir(n int) ([]os.FileInfo, error) {
	return h.base.Readdir(n)
}

// Readdirnames reads directory entry names
func (h *handle) Readdirnames(n int) ([]string, error) {
	return h.base.Readdirnames(n)
}

// handleInfo overrides the on-disk size with the staged plaintext length
type handleInfo struct {
	os.FileInfo
	name string
	size int64
}

func (i *handleInfo) Name() string {
	return i.name
}

func (i *handleInfo) Size() int64 {
	return i.size
}

// discardHandle absorbs writes to an ignored path and reports success
// without touching the base filesystem. Reads always hit end of file. See
// the package documentation for the compatibility contract behind this.
type discardHandle struct {
	name string

	mu      sync.Mutex
	offset  int64
	length  int64
	created time.Time
	closed  bool
}

func newDiscardHandle(name string) *discardHandle {
	return &discardHandle{name: name, created: time.Now()}
}

func (d *discardHandle) Name() string {
	return d.name
}

func (d *discardHandle) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	return 0, io.EOF
}

func (d *discardHandle) ReadAt(p []byte, off int64) (int, error) {
	return d.Read(p)
}

func (d *discardHandle) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	d.offset += int64(len(p))
	if d.offset > d.length {
		d.length = d.offset
	}
	return len(p), nil
}

func (d *discardHandle) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

func (d *discardHandle) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if end := off + int64(len(p)); end > d.length {
		d.length = end
	}
	return len(p), nil
}

func (d *discardHandle) Seek(offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = d.offset + offset
	case io.SeekEnd:
		newOffset = d.length + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newOffset < 0 {
		return 0, ErrNegativeOffset
	}
	d.offset = newOffset
	return newOffset, nil
}

func (d *discardHandle) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if size < 0 {
		return ErrNegativeOffset
	}
	d.length = size
	return nil
}

func (d *discardHandle) Sync() error {
	return nil
}

func (d *discardHandle) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return nil
}

func (d *discardHandle) Stat() (os.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &discardInfo{name: path.Base(d.name), size: d.length, modTime: d.created}, nil
}

func (d *discardHandle) Readdir(n int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("not a directory")
}

func (d *discardHandle) Readdirnames(n int) ([]string, error) {
	return nil, fmt.Errorf("not a directory")
}

// discardInfo is the synthesized metadata of a discarded file
type discardInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i *discardInfo) Name() string       { return i.name }
func (i *discardInfo) Size() int64        { return i.size }
func (i *discardInfo) Mode() os.FileMode  { return 0600 }
func (i *discardInfo) ModTime() time.Time { return i.modTime }
func (i *discardInfo) IsDir() bool        { return false }
func (i *discardInfo) Sys() interface{}   { return nil }
