// Package security guards file paths built from operator input.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside its base directory.
var ErrOutsideDir = errors.New("path escapes base directory")

// resolve returns the absolute, symlink-free form of p. For paths that do
// not exist yet the nearest existing ancestor is resolved and the rest
// appended, so a symlinked parent cannot smuggle a new file elsewhere.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

// WithinDir reports an error wrapping ErrOutsideDir unless path lies inside
// base once both are resolved. base must exist.
func WithinDir(path, base string) error {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolve base %s: %w", base, err)
	}
	realBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return fmt.Errorf("resolve base %s: %w", base, err)
	}
	realPath, err := resolve(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	rel, err := filepath.Rel(realBase, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s: %w %s", path, ErrOutsideDir, base)
	}
	return nil
}

const maxNameLen = 128

// SafeName maps an identifier such as a session ID onto a single path
// element: ASCII letters, digits, '.', '_' and '-' survive, runs of anything
// else become one underscore. Empty results become "unnamed".
func SafeName(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-'
		switch {
		case ok:
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
