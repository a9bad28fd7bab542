package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFSLocator_OpenExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("audio"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := NewFSLocator(dir)
	a, err := l.Open("a.mp3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Name != "a.mp3" || a.Size != 5 {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	b, _ := io.ReadAll(a)
	if string(b) != "audio" {
		t.Fatalf("unexpected body %q", b)
	}
}

func TestFSLocator_Missing(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	l := NewFSLocator(dir)
	for _, ref := range []string{"", "nope.mp3", "sub"} {
		if _, err := l.Open(ref); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", ref, err)
		}
	}
}

func TestFSLocator_AbsolutePathInsideRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.wav")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := NewFSLocator(dir).Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = a.Close()
}

func TestFSLocator_RejectsEscapes(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "recordings")
	if err := os.Mkdir(root, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	secret := filepath.Join(base, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "link.mp3")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	l := NewFSLocator(root)
	for _, ref := range []string{
		"/etc/passwd",
		secret,
		"../secret.txt",
		"../../../../../../etc/passwd",
		"sub/../../secret.txt",
		"link.mp3",
	} {
		a, err := l.Open(ref)
		if err == nil {
			_ = a.Close()
			t.Fatalf("%q: expected rejection", ref)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", ref, err)
		}
	}
}

func TestFSLocator_Resolve(t *testing.T) {
	l := NewFSLocator("/srv/rec")
	if got, err := l.Resolve("a/b.mp3"); err != nil || got != filepath.Join("a", "b.mp3") {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if got, err := l.Resolve("/srv/rec/x.wav"); err != nil || got != "x.wav" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if _, err := l.Resolve("/srv/other/x.wav"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}
