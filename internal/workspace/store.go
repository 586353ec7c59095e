package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// FileStore reads and writes file contents relative to a workspace root.
type FileStore interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
	Exists(path string) (bool, error)
	Delete(path string) error
	MakeDir(path string) error
	// RemoveDir removes path if it is an empty directory and leaves it otherwise.
	RemoveDir(path string) error
	Rename(from, to string) error
	// List returns slash-separated paths of regular files eligible under the patterns.
	List(include, exclude []string) ([]string, error)
}

// AferoStore implements FileStore on top of an afero filesystem.
// Paths are interpreted relative to the filesystem root; use afero.NewBasePathFs
// to confine the store to a directory.
type AferoStore struct {
	fs afero.Fs
}

// NewAferoStore wraps fsys as a FileStore.
func NewAferoStore(fsys afero.Fs) *AferoStore {
	return &AferoStore{fs: fsys}
}

// NewOSStore returns a store confined to root on the host filesystem.
func NewOSStore(root string) *AferoStore {
	return NewAferoStore(afero.NewBasePathFs(afero.NewOsFs(), root))
}

// Read returns the content of path.
func (s *AferoStore) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Write replaces the content of path, creating parent directories as needed.
func (s *AferoStore) Write(path string, content []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	mode := os.FileMode(0644)
	if info, err := s.fs.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	if err := afero.WriteFile(s.fs, path, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists.
func (s *AferoStore) Exists(path string) (bool, error) {
	ok, err := afero.Exists(s.fs, path)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	return ok, nil
}

// Delete removes path. Deleting a missing file is not an error.
func (s *AferoStore) Delete(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// MakeDir creates path and any missing parents.
func (s *AferoStore) MakeDir(path string) error {
	if err := s.fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}

// RemoveDir removes path when it is an empty directory. Missing and
// non-empty directories are left as they are.
func (s *AferoStore) RemoveDir(path string) error {
	isDir, err := afero.DirExists(s.fs, path)
	if err != nil {
		return fmt.Errorf("checking directory %s: %w", path, err)
	}
	if !isDir {
		return nil
	}
	empty, err := afero.IsEmpty(s.fs, path)
	if err != nil {
		return fmt.Errorf("checking directory %s: %w", path, err)
	}
	if !empty {
		return nil
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing directory %s: %w", path, err)
	}
	return nil
}

// Rename moves from to to, creating the destination directory if needed.
func (s *AferoStore) Rename(from, to string) error {
	if dir := filepath.Dir(to); dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, err)
	}
	return nil
}

// List walks the store and returns eligible regular files in lexical order.
// Directories matching an exclude pattern are pruned.
func (s *AferoStore) List(include, exclude []string) ([]string, error) {
	var files []string

	err := afero.Walk(s.fs, ".", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(filepath.Clean(path))
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if matchesAny(rel+"/", exclude) || matchesAny(rel, exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if Eligible(rel, include, exclude) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
