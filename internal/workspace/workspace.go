// Package workspace confines file access to a declared root directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/relay/internal/model"
)

// Workspace is a directory tree that relay may read and, through tools,
// write. Every path is resolved against the root and rejected when it
// escapes it, including through symlinks.
type Workspace struct {
	root string
}

func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", real)
	}
	return &Workspace{root: real}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve returns the absolute path for p (relative to the root, or
// absolute). It fails with model.ErrPathOutsideWorkspace before any read if
// the lexical path or its symlink target leaves the root. p need not exist.
func (w *Workspace) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", model.ErrPathOutsideWorkspace)
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(w.root, p)
	}
	if !within(w.root, abs) {
		return "", fmt.Errorf("%w: %s", model.ErrPathOutsideWorkspace, p)
	}
	real, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !within(w.root, real) {
		return "", fmt.Errorf("%w: %s resolves to %s", model.ErrPathOutsideWorkspace, p, real)
	}
	return abs, nil
}

// Rel returns the slash-separated path of abs relative to the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) ReadFile(p string) ([]byte, error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes content and reports whether the file already existed.
func (w *Workspace) WriteFile(p string, content []byte) (existed bool, err error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err == nil {
		existed = true
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return existed, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return existed, fmt.Errorf("write %s: %w", p, err)
	}
	return existed, nil
}

func (w *Workspace) Remove(p string) error {
	abs, err := w.Resolve(p)
	if err != nil {
		return err
	}
	if abs == w.root {
		return fmt.Errorf("%w: refusing to remove the workspace root", model.ErrPathOutsideWorkspace)
	}
	return os.Remove(abs)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// evalExisting resolves symlinks on the deepest existing ancestor of p and
// re-appends the missing tail.
func evalExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{real}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}
