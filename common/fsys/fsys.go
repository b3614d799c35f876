// Package fsys is the file-system service behind db nodes and diagram
// discovery. Paths are confined to a base directory.
package fsys

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dipeo/dipeo/common/services"
)

// Local implements services.FileSystem rooted at a base directory.
// Relative paths resolve under the base; escaping it is refused.
type Local struct {
	base string
}

// New creates a local file system rooted at base; empty base means the
// current working directory.
func New(base string) *Local {
	if base == "" {
		base = "."
	}
	return &Local{base: base}
}

var _ services.FileSystem = (*Local)(nil)

func (l *Local) ReadFile(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (l *Local) WriteFile(path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Glob matches a doublestar pattern (** is supported) under the base
// directory, returning sorted relative paths.
func (l *Local) Glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(l.base), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// resolve joins a path onto the base and refuses escapes.
func (l *Local) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	full := filepath.Join(l.base, path)
	rel, err := filepath.Rel(l.base, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s escapes base directory", path)
	}
	return full, nil
}
