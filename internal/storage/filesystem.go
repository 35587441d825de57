package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chainvault/internal/chain"
)

// FileSystemStorage keeps chain documents and backup folders below a local
// directory. A mounted SMB or NFS share is used the same way.
//
//	<root>/
//	  <subject>/
//	    chain.json
//	    <backup_id>/...
type FileSystemStorage struct {
	name string
	root string
}

// NewFileSystemStorage creates a storage rooted at the given path, creating it if needed.
func NewFileSystemStorage(name, root string) (*FileSystemStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileSystemStorage{name: name, root: root}, nil
}

// Root returns the directory the storage is rooted at.
func (s *FileSystemStorage) Root() string {
	return s.root
}

// abs maps a slash-separated storage path to a local path.
func (s *FileSystemStorage) abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// Read returns the whole file.
func (s *FileSystemStorage) Read(p string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Write replaces the file using atomic write (temp file + rename).
func (s *FileSystemStorage) Write(p string, data []byte) error {
	destPath := s.abs(p)
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Exists reports whether p is a file or a directory.
func (s *FileSystemStorage) Exists(p string) (bool, error) {
	_, err := os.Stat(s.abs(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", p, err)
}

// DeleteRecursive removes p and everything below it.
func (s *FileSystemStorage) DeleteRecursive(p string) error {
	target := s.abs(p)
	if filepath.Clean(target) == filepath.Clean(s.root) {
		return fmt.Errorf("refusing to delete storage root")
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// Open streams a file.
func (s *FileSystemStorage) Open(p string) (io.ReadCloser, error) {
	f, err := os.Open(s.abs(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Stat returns size and modification time of a file.
func (s *FileSystemStorage) Stat(p string) (*chain.FileInfo, error) {
	info, err := os.Stat(s.abs(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	return &chain.FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ListFiles walks root and returns every regular file with its path relative to root.
// Leftover temp files from interrupted writes are skipped.
func (s *FileSystemStorage) ListFiles(root string) ([]chain.FileInfo, error) {
	base := s.abs(root)
	var files []chain.FileInfo
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || isTempFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		files = append(files, chain.FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, root)
		}
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	return files, nil
}

// ListDirs returns the names of the immediate subdirectories of dir, sorted.
func (s *FileSystemStorage) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.abs(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ValidateSetup verifies that the root is a writable directory.
func (s *FileSystemStorage) ValidateSetup() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root is not a directory: %s", s.root)
	}

	probe, err := os.CreateTemp(s.root, ".tmp-probe-*")
	if err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".tmp-")
}

// Compile-time check that FileSystemStorage implements chain.Storage
var _ chain.Storage = (*FileSystemStorage)(nil)
