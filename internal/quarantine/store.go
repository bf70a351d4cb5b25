package quarantine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxNameLen = 100

// Store is the staging directory uploads land in before a job references them.
type Store struct {
	dir string
}

// New makes sure dir (and its parents) exists. Calling it on an existing
// directory is not an error.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create quarantine dir %s: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute staging directory.
func (s *Store) Dir() string {
	return s.dir
}

// StagePath joins a fresh identifier and the sanitized original filename.
func (s *Store) StagePath(filename string) string {
	return filepath.Join(s.dir, uuid.NewString()+"_"+sanitize(filename))
}

// Create opens a new, uniquely named staged file for writing.
func (s *Store) Create(filename string) (*os.File, error) {
	path := s.StagePath(filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	return f, nil
}

// Remove deletes a staged file; a file that is already gone is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged file %s: %w", path, err)
	}
	return nil
}

// sanitize keeps the base name and replaces anything outside [A-Za-z0-9._-].
func sanitize(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxNameLen-len(ext)] + ext
	}
	if out == "" {
		out = "upload"
	}
	return out
}
