package chain

import (
	"io"
	"time"
)

// FileInfo describes a stored file.
type FileInfo struct {
	// Path is slash-separated and relative to the root passed to ListFiles,
	// or to the storage root for Stat.
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is the backend holding chain documents and backup folders: a local
// directory, a mounted network share, or an object store. Paths are
// slash-separated and relative to the backend root.
type Storage interface {
	// Read returns the whole file. Missing files wrap ErrNotFound.
	Read(path string) ([]byte, error)

	// Write replaces the file atomically: readers see either the old or the new content.
	Write(path string, data []byte) error

	// Exists reports whether path is a file or a non-empty folder.
	Exists(path string) (bool, error)

	// DeleteRecursive removes a file or a folder and everything below it.
	// Deleting a missing path is not an error.
	DeleteRecursive(path string) error

	// Open streams a file. Missing files wrap ErrNotFound.
	Open(path string) (io.ReadCloser, error)

	// Stat returns size and modification time of a file.
	Stat(path string) (*FileInfo, error)

	// ListFiles returns every regular file below root, recursively.
	ListFiles(root string) ([]FileInfo, error)

	// ListDirs returns the names of the immediate child folders of dir.
	ListDirs(dir string) ([]string, error)

	// ValidateSetup verifies that the backend is reachable and writable.
	ValidateSetup() error
}
