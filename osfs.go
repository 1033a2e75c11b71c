package sealio

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// OSFS adapts the os package to absfs.FileSystem, confining every name
// under a root directory. It is the base filesystem bound when New is
// given a nil one.
type OSFS struct {
	root string

	mu  sync.Mutex
	cwd string
}

// NewOSFS creates an OS-backed filesystem rooted at root. An empty root
// means the process root directory.
func NewOSFS(root string) *OSFS {
	if root == "" {
		root = "/"
	}
	return &OSFS{root: root, cwd: "/"}
}

// resolve maps a filesystem name onto the host path under root. Names are
// forced absolute first so ".." cannot climb out of the root.
func (fs *OSFS) resolve(name string) string {
	return filepath.Join(fs.root, filepath.Join("/", filepath.FromSlash(name)))
}

func (fs *OSFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(fs.resolve(name), flag, perm)
}

func (fs *OSFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.resolve(name), perm)
}

func (fs *OSFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.resolve(name), perm)
}

func (fs *OSFS) Remove(name string) error {
	return os.Remove(fs.resolve(name))
}

func (fs *OSFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.resolve(path))
}

func (fs *OSFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.resolve(oldpath), fs.resolve(newpath))
}

func (fs *OSFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.resolve(name))
}

func (fs *OSFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.resolve(name), mode)
}

func (fs *OSFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.resolve(name), atime, mtime)
}

func (fs *OSFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.resolve(name), uid, gid)
}

func (fs *OSFS) Separator() uint8 {
	return '/'
}

func (fs *OSFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *OSFS) Chdir(dir string) error {
	if _, err := os.Stat(fs.resolve(dir)); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.cwd = filepath.Join("/", dir)
	fs.mu.Unlock()
	return nil
}

func (fs *OSFS) Getwd() (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cwd, nil
}

func (fs *OSFS) TempDir() string {
	if fs.root == "/" {
		return os.TempDir()
	}
	return "/tmp"
}

func (fs *OSFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *OSFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *OSFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.resolve(name), size)
}

var (
	defaultBaseOnce sync.Once
	defaultBase     absfs.FileSystem
)

// resolveBase binds the process-wide OS-backed filesystem exactly once and
// returns it on every later call
func resolveBase() absfs.FileSystem {
	defaultBaseOnce.Do(func() {
		defaultBase = NewOSFS("/")
	})
	return defaultBase
}
