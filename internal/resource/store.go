package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Store is a text-file tree rooted at one workspace directory, either the
// deployed snapshots or the build output.
type Store struct {
	fs billy.Filesystem
}

func NewStore(fsys billy.Filesystem) *Store {
	return &Store{fs: fsys}
}

// NewOSStore roots a store at dir on the local disk.
func NewOSStore(dir string) *Store {
	return &Store{fs: osfs.New(dir)}
}

// NewMemStore creates an in-memory store.
func NewMemStore() *Store {
	return &Store{fs: memfs.New()}
}

// Chroot returns a store rooted at path inside s.
func (s *Store) Chroot(path string) (*Store, error) {
	sub, err := s.fs.Chroot(path)
	if err != nil {
		return nil, fmt.Errorf("billy: chroot %q: %w", path, err)
	}
	return &Store{fs: sub}, nil
}

func (s *Store) Join(elem ...string) string {
	return s.fs.Join(elem...)
}

// Location is the path as shown to operators, including the store root.
func (s *Store) Location(path string) string {
	return filepath.Join(s.fs.Root(), path)
}

func (s *Store) Exists(path string) (bool, error) {
	_, err := s.fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("billy: stat %q: %w", path, err)
	}
}

func (s *Store) IsDir(path string) (bool, error) {
	info, err := s.fs.Stat(path)
	switch {
	case err == nil:
		return info.IsDir(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("billy: stat %q: %w", path, err)
	}
}

func (s *Store) MkdirAll(path string) error {
	if err := s.fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("billy: mkdirall %q: %w", path, err)
	}
	return nil
}

func (s *Store) ReadDir(path string) ([]os.FileInfo, error) {
	list, err := s.fs.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("billy: readdir %q: %w", path, err)
	}
	return list, nil
}

// Read returns the file content and whether the file exists. An absent
// file is not an error.
func (s *Store) Read(path string) (string, bool, error) {
	if path == "" {
		return "", false, nil
	}
	b, err := util.ReadFile(s.fs, path)
	switch {
	case err == nil:
		return string(b), true, nil
	case errors.Is(err, os.ErrNotExist):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("billy: readfile %q: %w", path, err)
	}
}

// Write replaces the file content, creating parent directories.
func (s *Store) Write(path, content string) error {
	if dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator) {
		if err := s.MkdirAll(dir); err != nil {
			return err
		}
	}
	if err := util.WriteFile(s.fs, path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("billy: writefile %q: %w", path, err)
	}
	return nil
}

// Remove deletes the file; a missing file is not an error.
func (s *Store) Remove(path string) error {
	err := s.fs.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("billy: remove %q: %w", path, err)
}

// Same reports whether two texts are equal once surrounding whitespace is trimmed.
func Same(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
