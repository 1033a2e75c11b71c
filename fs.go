package sealio

import (
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// fsState tracks the interposition lifecycle
type fsState int

const (
	stateNew fsState = iota
	stateReady
	stateTorn
)

// FS interposes on an absfs.FileSystem. Every intercepted operation is
// classified against the rule set and passed through, sealed, denied, or
// discarded. Before bootstrap completes the layer is fail-open: calls reach
// the base unmodified. Once ready, classification denials are fail-closed,
// and after Teardown protected operations fail outright.
type FS struct {
	base   absfs.FileSystem
	config *Config
	rules  *RuleSet
	keys   *KeyManager
	audit  *AuditLog
	padder *padder
	jitter *jitter

	spillDir string

	mu          sync.Mutex
	state       fsState
	enforcing   bool
	handles     map[*handle]struct{}
	openHandles int
}

// New creates and bootstraps the interposition layer over base. A nil base
// binds the process OS filesystem. Any bootstrap failure is fatal; the
// layer never comes up partially protected.
func New(base absfs.FileSystem, config *Config) (*FS, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		base = resolveBase()
	}

	s := &FS{
		base:    base,
		config:  config,
		rules:   NewRuleSet(config.maxPatterns()),
		keys:    NewKeyManager(),
		padder:  newPadder(config.PaddingMin, config.PaddingMax, config.PaddingEnabled),
		jitter:  newJitter(config.jitterMax(), config.JitterEnabled),
		handles: make(map[*handle]struct{}),
	}

	if err := s.bootstrap(); err != nil {
		s.keys.Wipe()
		s.audit.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap wires rules, audit logging, key material and the spill
// directory, in that order
func (s *FS) bootstrap() error {
	s.rules.SetMode(s.config.Mode)

	for _, p := range s.config.WhitelistPaths {
		if err := s.rules.RegisterWhitelistPath(p); err != nil {
			return err
		}
	}
	for _, p := range s.config.SystemPaths {
		if err := s.rules.RegisterSystemPath(p); err != nil {
			return err
		}
	}
	for _, p := range s.config.TmpfsPaths {
		if err := s.rules.RegisterTmpfsPath(p); err != nil {
			return err
		}
	}
	for _, pat := range s.config.Patterns {
		if err := s.rules.AddPattern(pat.Glob, pat.Policy); err != nil {
			return err
		}
	}
	if s.config.RuleFile != "" {
		pats, err := LoadRuleFile(s.base, s.config.RuleFile)
		if err != nil {
			return err
		}
		for _, pat := range pats {
			if err := s.rules.AddPattern(pat.Glob, pat.Policy); err != nil {
				return err
			}
		}
	}

	if s.config.AuditPath != "" {
		audit, err := newAuditLog(s.base, s.config.AuditPath, s.config.RedactPaths)
		if err != nil {
			return err
		}
		s.audit = audit
	}

	if err := s.keys.Initialize(s.config.Attestation); err != nil {
		return err
	}

	s.spillDir = s.config.SpillDir
	if s.spillDir == "" {
		s.spillDir = s.base.TempDir()
	}
	if err := s.base.MkdirAll(s.spillDir, 0700); err != nil {
		return NewIOError("mkdir", s.spillDir, err)
	}

	if s.config.DisableCoreDumps {
		if err := HardenProcess(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = stateReady
	s.enforcing = true
	s.mu.Unlock()

	s.audit.Record("init", "-", auditAllowed)
	return nil
}

// Teardown closes every open handle, wipes key material and closes the
// audit log, in that order. Failures are logged and the sequence continues;
// the first error is returned. Safe to call more than once.
func (s *FS) Teardown() error {
	s.mu.Lock()
	if s.state == stateTorn {
		s.mu.Unlock()
		return nil
	}
	s.state = stateTorn
	open := make([]*handle, 0, len(s.handles))
	for h := range s.handles {
		open = append(open, h)
	}
	s.mu.Unlock()

	var firstErr error
	for _, h := range open {
		if err := h.Close(); err != nil && err != ErrClosed {
			s.audit.Record("teardown", h.name, auditDenied)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.keys.Wipe(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.audit.Record("teardown", "-", auditAllowed)
	if err := s.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetEnforcing toggles interception. While off, calls pass through to the
// base filesystem untouched; rules and keys stay loaded for re-enable.
func (s *FS) SetEnforcing(on bool) {
	s.mu.Lock()
	s.enforcing = on
	s.mu.Unlock()
}

// gate reports whether an operation should be interposed. Calls before
// bootstrap or while enforcement is off fall through; calls after teardown
// fail.
func (s *FS) gate() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateTorn {
		return false, ErrTornDown
	}
	return s.state == stateReady && s.enforcing, nil
}

// baseFS returns the bound base filesystem, binding the process OS
// filesystem on first use if none was injected
func (s *FS) baseFS() absfs.FileSystem {
	if s.base != nil {
		return s.base
	}
	return resolveBase()
}

// RegisterWhitelistPath marks a prefix trusted: reads and writes under it
// bypass all policy
func (s *FS) RegisterWhitelistPath(p string) error {
	return s.rules.RegisterWhitelistPath(p)
}

// RegisterSystemPath marks a prefix read-only: writes under it are denied
func (s *FS) RegisterSystemPath(p string) error {
	return s.rules.RegisterSystemPath(p)
}

// RegisterTmpfsPath marks a prefix ephemeral: plain read/write, never sealed
func (s *FS) RegisterTmpfsPath(p string) error {
	return s.rules.RegisterTmpfsPath(p)
}

// AddEncryptionPattern registers a glob pattern with an encryption policy.
// Patterns match in registration order.
func (s *FS) AddEncryptionPattern(glob string, policy Policy) error {
	return s.rules.AddPattern(glob, policy)
}

// RemoveEncryptionPattern removes a previously registered pattern
func (s *FS) RemoveEncryptionPattern(glob string) error {
	return s.rules.RemovePattern(glob)
}

// SetProtectionMode switches handling of unmatched paths between sealing
// and discarding
func (s *FS) SetProtectionMode(mode ProtectionMode) {
	s.rules.SetMode(mode)
}

// SetPaddingConfig replaces the frame padding range
func (s *FS) SetPaddingConfig(min, max int, enabled bool) error {
	return s.padder.configure(min, max, enabled)
}

// SetJitterConfig replaces the read/write jitter ceiling
func (s *FS) SetJitterConfig(max time.Duration, enabled bool) error {
	return s.jitter.configure(max, enabled)
}

// reserveHandle claims a handle table slot ahead of the resources that
// back it
func (s *FS) reserveHandle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openHandles >= s.config.maxHandles() {
		return &ResourceError{
			Resource: "handles",
			Message:  "handle table full",
			Err:      ErrHandleLimit,
		}
	}
	s.openHandles++
	return nil
}

func (s *FS) unreserveHandle() {
	s.mu.Lock()
	s.openHandles--
	s.mu.Unlock()
}

func (s *FS) registerHandle(h *handle) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
}

func (s *FS) forgetHandle(h *handle) {
	s.mu.Lock()
	if _, ok := s.handles[h]; ok {
		delete(s.handles, h)
		s.openHandles--
	}
	s.mu.Unlock()
}

// pathOpen reports whether any open handle stages the given path
func (s *FS) pathOpen(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.handles {
		if h.name == name {
			return true
		}
	}
	return false
}

// Open opens a file for reading
func (s *FS) Open(name string) (absfs.File, error) {
	return s.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing
func (s *FS) Create(name string) (absfs.File, error) {
	return s.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile classifies name for the requested access and opens it through
// the matching channel: plain passthrough, sealed handle, discard handle,
// or a permission error.
func (s *FS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	intercept, err := s.gate()
	if err != nil {
		return nil, err
	}
	if !intercept {
		return s.baseFS().OpenFile(name, flag, perm)
	}

	name = path.Clean(name)
	op := OpRead
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		op = OpWrite
	}

	decision := s.rules.Classify(name, op)
	switch decision.Action {
	case ActionDeny:
		s.audit.Record("open", name, auditDenied)
		return nil, NewPermissionError(op, name, decision.Class, "access denied by policy")

	case ActionDiscard:
		s.audit.Record("open", name, auditDenied)
		return newDiscardHandle(name), nil

	case ActionAllowPlain:
		s.audit.Record("open", name, auditAllowed)
		return s.base.OpenFile(name, flag, perm)
	}

	f, err := s.openSealed(name, flag, perm, decision.Policy)
	if err != nil {
		return nil, err
	}
	s.audit.Record("open", name, auditEncrypted)
	return f, nil
}

// openSealed opens a sealed handle over the base file. The base is always
// opened readable so existing frames can be staged, and never with append,
// since flush rewrites the file in full.
func (s *FS) openSealed(name string, flag int, perm os.FileMode, policy Policy) (absfs.File, error) {
	if err := s.reserveHandle(); err != nil {
		return nil, err
	}

	baseFlags := os.O_RDONLY
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
		baseFlags = (flag &^ (os.O_WRONLY | os.O_APPEND)) | os.O_RDWR
	}

	base, err := s.base.OpenFile(name, baseFlags, perm)
	if err != nil {
		s.unreserveHandle()
		return nil, err
	}

	h, err := newHandle(s, base, name, policy, flag)
	if err != nil {
		base.Close()
		s.unreserveHandle()
		return nil, err
	}
	s.registerHandle(h)
	return h, nil
}

// Mkdir creates a directory. Directories are never sealed; only a
// read-only prefix blocks creation.
func (s *FS) Mkdir(name string, perm os.FileMode) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if intercept {
		name = path.Clean(name)
		if d := s.rules.Classify(name, OpModify); d.Action == ActionDeny {
			s.audit.Record("mkdir", name, auditDenied)
			return NewPermissionError(OpModify, name, d.Class, "access denied by policy")
		}
	}
	return s.baseFS().Mkdir(name, perm)
}

// MkdirAll creates a directory and any missing parents
func (s *FS) MkdirAll(name string, perm os.FileMode) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if intercept {
		name = path.Clean(name)
		if d := s.rules.Classify(name, OpModify); d.Action == ActionDeny {
			s.audit.Record("mkdir", name, auditDenied)
			return NewPermissionError(OpModify, name, d.Class, "access denied by policy")
		}
	}
	return s.baseFS().MkdirAll(name, perm)
}

// Remove removes a file or empty directory. Sealed files are shredded
// before the unlink and their digest sidecar goes with them.
func (s *FS) Remove(name string) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if !intercept {
		return s.baseFS().Remove(name)
	}

	name = path.Clean(name)
	decision := s.rules.Classify(name, OpDelete)
	switch decision.Action {
	case ActionDeny:
		s.audit.Record("unlink", name, auditDenied)
		return NewPermissionError(OpDelete, name, decision.Class, "access denied by policy")

	case ActionDiscard:
		s.audit.Record("unlink", name, auditDenied)
		return nil

	case ActionAllowPlain:
		s.audit.Record("unlink", name, auditAllowed)
		return s.base.Remove(name)
	}

	s.shredSealed(name)
	if err := s.base.Remove(name); err != nil {
		return err
	}
	removeDigest(s.base, name)
	s.audit.Record("unlink", name, auditAllowed)
	return nil
}

// shredSealed best-effort overwrites a sealed file's bytes in place before
// it is unlinked
func (s *FS) shredSealed(name string) {
	info, err := s.base.Stat(name)
	if err != nil || info.IsDir() {
		return
	}
	f, err := s.base.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	shredBytes(f, name, info.Size())
}

// RemoveAll removes a path and everything under it
func (s *FS) RemoveAll(p string) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if !intercept {
		return s.baseFS().RemoveAll(p)
	}

	p = path.Clean(p)
	decision := s.rules.Classify(p, OpDelete)
	switch decision.Action {
	case ActionDeny:
		s.audit.Record("unlink", p, auditDenied)
		return NewPermissionError(OpDelete, p, decision.Class, "access denied by policy")
	case ActionDiscard:
		s.audit.Record("unlink", p, auditDenied)
		return nil
	}

	s.audit.Record("unlink", p, auditAllowed)
	return s.base.RemoveAll(p)
}

// Rename moves a file. When either end is sealed the content is resealed
// under the destination path's key by copying through the layer, because
// file keys are bound to paths.
func (s *FS) Rename(oldpath, newpath string) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if !intercept {
		return s.baseFS().Rename(oldpath, newpath)
	}

	oldpath = path.Clean(oldpath)
	newpath = path.Clean(newpath)

	oldDec := s.rules.Classify(oldpath, OpDelete)
	newDec := s.rules.Classify(newpath, OpWrite)
	if oldDec.Action == ActionDeny {
		s.audit.Record("rename", oldpath, auditDenied)
		return NewPermissionError(OpDelete, oldpath, oldDec.Class, "access denied by policy")
	}
	if newDec.Action == ActionDeny {
		s.audit.Record("rename", newpath, auditDenied)
		return NewPermissionError(OpWrite, newpath, newDec.Class, "access denied by policy")
	}
	if oldDec.Action == ActionDiscard || newDec.Action == ActionDiscard {
		s.audit.Record("rename", oldpath, auditDenied)
		return nil
	}

	oldSealed := s.rules.Classify(oldpath, OpWrite).Action == ActionAllowEncrypted
	newSealed := newDec.Action == ActionAllowEncrypted
	if !oldSealed && !newSealed {
		s.audit.Record("rename", oldpath, auditAllowed)
		return s.base.Rename(oldpath, newpath)
	}

	if err := s.reseal(oldpath, newpath, oldSealed, newSealed); err != nil {
		return err
	}
	s.audit.Record("rename", oldpath, auditEncrypted)
	return nil
}

// reseal copies oldpath's content to newpath through the layer and removes
// the original. Plaintext transits a pinned scratch buffer only.
func (s *FS) reseal(oldpath, newpath string, oldSealed, newSealed bool) error {
	info, err := s.base.Stat(oldpath)
	if err != nil {
		return err
	}

	var src absfs.File
	if oldSealed {
		src, err = s.openSealed(oldpath, os.O_RDONLY, 0, s.rules.Classify(oldpath, OpWrite).Policy)
	} else {
		src, err = s.base.OpenFile(oldpath, os.O_RDONLY, 0)
	}
	if err != nil {
		return err
	}

	var dst absfs.File
	if newSealed {
		dst, err = s.openSealed(newpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode(), s.rules.Classify(newpath, OpWrite).Policy)
	} else {
		dst, err = s.base.OpenFile(newpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	}
	if err != nil {
		src.Close()
		return err
	}

	scratch, err := AllocateSecure(s.config.chunkSize())
	if err != nil {
		src.Close()
		dst.Close()
		return err
	}
	copyErr := copyPinned(dst, src, scratch.Bytes())
	scratch.Release()

	dstErr := dst.Close()
	src.Close()

	if copyErr != nil {
		return NewIOError("rename", oldpath, copyErr)
	}
	if dstErr != nil {
		return dstErr
	}

	if oldSealed {
		s.shredSealed(oldpath)
	}
	if err := s.base.Remove(oldpath); err != nil {
		return err
	}
	removeDigest(s.base, oldpath)
	return nil
}

// copyPinned copies src to dst strictly through buf. io.Copy is avoided:
// its ReaderFrom/WriterTo fast paths would route plaintext through memory
// the layer does not pin.
func copyPinned(dst io.Writer, src io.Reader, buf []byte) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Stat reports the base filesystem's view of name; sealed files show their
// sealed size. Open handles report plaintext sizes through their own Stat.
func (s *FS) Stat(name string) (os.FileInfo, error) {
	if _, err := s.gate(); err != nil {
		return nil, err
	}
	return s.baseFS().Stat(name)
}

// Truncate changes the size of a file by name. Sealed files are truncated
// through a short-lived handle so the frames and digest stay consistent.
func (s *FS) Truncate(name string, size int64) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if !intercept {
		return s.baseFS().Truncate(name, size)
	}

	name = path.Clean(name)
	decision := s.rules.Classify(name, OpWrite)
	switch decision.Action {
	case ActionDeny:
		s.audit.Record("truncate", name, auditDenied)
		return NewPermissionError(OpWrite, name, decision.Class, "access denied by policy")

	case ActionDiscard:
		s.audit.Record("truncate", name, auditDenied)
		return nil

	case ActionAllowPlain:
		s.audit.Record("truncate", name, auditAllowed)
		return s.base.Truncate(name, size)
	}

	f, err := s.openSealed(name, os.O_RDWR, 0, decision.Policy)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	s.audit.Record("truncate", name, auditEncrypted)
	return f.Close()
}

// Chmod changes the mode of a file
func (s *FS) Chmod(name string, mode os.FileMode) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if intercept {
		name = path.Clean(name)
		d := s.rules.Classify(name, OpModify)
		switch d.Action {
		case ActionDeny:
			s.audit.Record("chmod", name, auditDenied)
			return NewPermissionError(OpModify, name, d.Class, "access denied by policy")
		case ActionDiscard:
			return nil
		}
	}
	return s.baseFS().Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file
func (s *FS) Chtimes(name string, atime, mtime time.Time) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if intercept {
		name = path.Clean(name)
		d := s.rules.Classify(name, OpModify)
		switch d.Action {
		case ActionDeny:
			s.audit.Record("chtimes", name, auditDenied)
			return NewPermissionError(OpModify, name, d.Class, "access denied by policy")
		case ActionDiscard:
			return nil
		}
	}
	return s.baseFS().Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (s *FS) Chown(name string, uid, gid int) error {
	intercept, err := s.gate()
	if err != nil {
		return err
	}
	if intercept {
		name = path.Clean(name)
		d := s.rules.Classify(name, OpModify)
		switch d.Action {
		case ActionDeny:
			s.audit.Record("chown", name, auditDenied)
			return NewPermissionError(OpModify, name, d.Class, "access denied by policy")
		case ActionDiscard:
			return nil
		}
	}
	return s.baseFS().Chown(name, uid, gid)
}

// Separator returns the path separator of the base filesystem
func (s *FS) Separator() uint8 {
	return s.baseFS().Separator()
}

// ListSeparator returns the list separator of the base filesystem
func (s *FS) ListSeparator() uint8 {
	return s.baseFS().ListSeparator()
}

// Chdir changes the current working directory
func (s *FS) Chdir(dir string) error {
	if _, err := s.gate(); err != nil {
		return err
	}
	return s.baseFS().Chdir(dir)
}

// Getwd returns the current working directory
func (s *FS) Getwd() (string, error) {
	if _, err := s.gate(); err != nil {
		return "", err
	}
	return s.baseFS().Getwd()
}

// TempDir returns the temporary directory of the base filesystem
func (s *FS) TempDir() string {
	return s.baseFS().TempDir()
}

// Mmap maps name into memory. Writable mappings of sealed or currently
// staged paths are refused: a shared writable mapping would bypass the
// seal-on-write channel entirely. Read-only mappings see the raw base
// bytes.
func (s *FS) Mmap(name string, length int, writable bool) ([]byte, error) {
	if length <= 0 {
		return nil, NewConfigError("length", length, "mapping length must be positive")
	}

	intercept, err := s.gate()
	if err != nil {
		return nil, err
	}

	if intercept {
		name = path.Clean(name)
		op := OpRead
		if writable {
			op = OpWrite
		}
		decision := s.rules.Classify(name, op)

		if decision.Action == ActionDeny || decision.Action == ActionDiscard {
			s.audit.Record("mmap", name, auditDenied)
			return nil, NewPermissionError(op, name, decision.Class, "access denied by policy")
		}
		if writable && (decision.Action == ActionAllowEncrypted || s.pathOpen(name)) {
			s.audit.Record("mmap", name, auditDenied)
			return nil, NewPermissionError(op, name, decision.Class, "writable mapping of protected path refused")
		}
		s.audit.Record("mmap", name, auditAllowed)
	}

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := s.baseFS().OpenFile(name, flag, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fd, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return nil, ErrNotSupported
	}
	return mapFile(fd.Fd(), length, writable)
}

// Munmap releases a mapping returned by Mmap
func (s *FS) Munmap(data []byte) error {
	return unmapFile(data)
}
