// Package artifact resolves audio artifact references to readable files.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("artifact: not found")

// Artifact is an opened recording. Callers must Close it.
type Artifact struct {
	io.ReadCloser
	Name string
	Size int64
}

// Locator resolves a reference to an opened artifact, or ErrNotFound when
// the reference does not name an existing readable regular file.
type Locator interface {
	Open(ref string) (*Artifact, error)
}

// ErrOutsideRoot is returned for references that would escape Root. It
// wraps ErrNotFound so callers treat it as a missing artifact.
var ErrOutsideRoot = fmt.Errorf("%w: outside artifact root", ErrNotFound)

// FSLocator resolves references as file paths confined to Root. Relative
// references are taken from Root; absolute references must point inside it.
// Symlinks leaving Root are refused by os.Root.
type FSLocator struct {
	Root string
}

func NewFSLocator(root string) *FSLocator {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return &FSLocator{Root: root}
}

// Resolve maps ref to a path relative to Root, or ErrOutsideRoot.
func (l *FSLocator) Resolve(ref string) (string, error) {
	ref = filepath.Clean(strings.TrimSpace(ref))
	if filepath.IsAbs(ref) {
		root, err := filepath.Abs(l.Root)
		if err != nil {
			return "", fmt.Errorf("artifact root: %w", err)
		}
		rel, err := filepath.Rel(root, ref)
		if err != nil {
			return "", ErrOutsideRoot
		}
		ref = rel
	}
	if !filepath.IsLocal(ref) {
		return "", ErrOutsideRoot
	}
	return ref, nil
}

func (l *FSLocator) Open(ref string) (*Artifact, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrNotFound
	}
	rel, err := l.Resolve(ref)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(l.Root)
	if err != nil {
		return nil, fmt.Errorf("open artifact root: %w", err)
	}
	// Files opened through root stay valid after it is closed.
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, ref)
	}
	return &Artifact{ReadCloser: f, Name: filepath.Base(rel), Size: info.Size()}, nil
}
