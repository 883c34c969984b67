// Package relocate expresses filesystem paths relative to a project root.
//
// Run metadata never records absolute paths: the collector re-anchors them
// against the project's dot, so every input and output is stored relative to
// the root with forward slashes. Relative arguments are resolved once against
// the working directory captured when the Relocator was built.
package relocate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type Relocator struct {
	root string
	wd   string
}

// New returns a Relocator for root. An empty root means the current working
// directory.
func New(root string) (*Relocator, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	return NewWithWorkingDir(root, wd)
}

// NewWithWorkingDir is New with an explicit directory for resolving relative
// paths.
func NewWithWorkingDir(root, wd string) (*Relocator, error) {
	if !filepath.IsAbs(wd) {
		return nil, fmt.Errorf("working directory must be absolute: %q", wd)
	}
	wd = filepath.Clean(wd)
	if root == "" {
		root = wd
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(wd, root)
	}
	return &Relocator{root: filepath.Clean(root), wd: wd}, nil
}

func (r *Relocator) Root() string {
	return r.root
}

func (r *Relocator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.wd, path)
}

// Normalize resolves . and .. segments in path and returns it relative to the
// root.
func (r *Relocator) Normalize(path string) (string, error) {
	rel, err := filepath.Rel(r.root, r.resolve(path))
	if err != nil {
		return "", fmt.Errorf("relocate %q: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

// Abs maps a root-relative path produced by Normalize back onto the
// filesystem.
func (r *Relocator) Abs(rel string) string {
	return filepath.Join(r.root, filepath.FromSlash(rel))
}

// Expand returns the root-relative paths of every file under path when it is
// a directory, sorted. Anything else, including a path that does not exist
// yet, comes back as its single normalized form.
func (r *Relocator) Expand(path string) ([]string, error) {
	abs := r.resolve(path)
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		rel, err := r.Normalize(path)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	}

	var out []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return fmt.Errorf("relocate %q: %w", p, err)
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", path, err)
	}
	sort.Strings(out)
	return out, nil
}
