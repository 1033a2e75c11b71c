package sealio

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFS_Resolve(t *testing.T) {
	root := t.TempDir()
	fs := NewOSFS(root)

	tests := []struct {
		name string
		want string
	}{
		{"/a/b", filepath.Join(root, "a", "b")},
		{"a/b", filepath.Join(root, "a", "b")},
		{"/", root},
		{"", root},
		{"../../../etc/passwd", filepath.Join(root, "etc", "passwd")},
		{"/a/../b", filepath.Join(root, "b")},
	}

	for _, tt := range tests {
		if got := fs.resolve(tt.name); got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestOSFS_CannotEscapeRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	outside := filepath.Join(parent, "secret.txt")
	if err := os.WriteFile(outside, []byte("outside"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	fs := NewOSFS(root)
	if _, err := fs.Stat("../secret.txt"); err == nil {
		t.Fatal("dot-dot name escaped the root")
	}
	if _, err := fs.Open("/../secret.txt"); err == nil {
		t.Fatal("dot-dot open escaped the root")
	}
}

func TestOSFS_RoundTrip(t *testing.T) {
	fs := NewOSFS(t.TempDir())

	if err := fs.MkdirAll("/a/b", 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	f, err := fs.Create("/a/b/f.txt")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	info, err := fs.Stat("/a/b/f.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != 5 {
		t.Fatalf("size = %d, want 5", info.Size())
	}

	f, err = fs.Open("/a/b/f.txt")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content = %q, want %q", data, "hello")
	}

	if err := fs.Rename("/a/b/f.txt", "/a/moved.txt"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := fs.Stat("/a/b/f.txt"); err == nil {
		t.Fatal("old name survived rename")
	}

	if err := fs.Truncate("/a/moved.txt", 2); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	info, err = fs.Stat("/a/moved.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != 2 {
		t.Fatalf("size after truncate = %d, want 2", info.Size())
	}

	if err := fs.Remove("/a/moved.txt"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := fs.RemoveAll("/a"); err != nil {
		t.Fatalf("remove all failed: %v", err)
	}
}

func TestOSFS_ChdirGetwd(t *testing.T) {
	fs := NewOSFS(t.TempDir())

	wd, err := fs.Getwd()
	if err != nil {
		t.Fatalf("getwd failed: %v", err)
	}
	if wd != "/" {
		t.Fatalf("initial wd = %q, want %q", wd, "/")
	}

	if err := fs.MkdirAll("/sub", 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Chdir("/sub"); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	if wd, _ := fs.Getwd(); wd != "/sub" {
		t.Fatalf("wd = %q, want %q", wd, "/sub")
	}

	// A failed chdir leaves the working directory alone
	if err := fs.Chdir("/missing"); err == nil {
		t.Fatal("chdir to missing directory succeeded")
	}
	if wd, _ := fs.Getwd(); wd != "/sub" {
		t.Fatalf("wd after failed chdir = %q, want %q", wd, "/sub")
	}
}

func TestOSFS_TempDir(t *testing.T) {
	if got := NewOSFS("").TempDir(); got != os.TempDir() {
		t.Errorf("root filesystem TempDir() = %q, want %q", got, os.TempDir())
	}
	if got := NewOSFS(t.TempDir()).TempDir(); got != "/tmp" {
		t.Errorf("confined TempDir() = %q, want %q", got, "/tmp")
	}
}

func TestOSFS_Separators(t *testing.T) {
	fs := NewOSFS(t.TempDir())
	if fs.Separator() != '/' {
		t.Errorf("Separator() = %q, want '/'", fs.Separator())
	}
	if fs.ListSeparator() != os.PathListSeparator {
		t.Errorf("ListSeparator() = %q, want %q", fs.ListSeparator(), os.PathListSeparator)
	}
}

func TestResolveBase_Singleton(t *testing.T) {
	if resolveBase() != resolveBase() {
		t.Fatal("resolveBase returned different instances")
	}
}
