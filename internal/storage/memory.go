package storage

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"chainvault/internal/chain"
)

// MemoryStorage is an in-memory implementation of chain.Storage.
// It is useful for testing and is safe for concurrent use.
type MemoryStorage struct {
	name  string
	files map[string]memoryFile // cleaned path -> file
	now   func() time.Time
	mu    sync.RWMutex
}

type memoryFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStorage creates a new in-memory storage with the given name.
func NewMemoryStorage(name string) *MemoryStorage {
	return &MemoryStorage{
		name:  name,
		files: make(map[string]memoryFile),
		now:   time.Now,
	}
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// under reports whether file lies below dir. The empty dir is the root.
func under(file, dir string) bool {
	return dir == "" || strings.HasPrefix(file, dir+"/")
}

func (m *MemoryStorage) Read(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
	}
	return bytes.Clone(f.data), nil
}

func (m *MemoryStorage) Write(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[clean(p)] = memoryFile{data: bytes.Clone(data), modTime: m.now()}
	return nil
}

// SetModTime overrides the modification time of a stored file.
func (m *MemoryStorage) SetModTime(p string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clean(p)
	f, ok := m.files[key]
	if !ok {
		return fmt.Errorf("%w: %s", chain.ErrNotFound, p)
	}
	f.modTime = t
	m.files[key] = f
	return nil
}

func (m *MemoryStorage) Exists(p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := clean(p)
	if _, ok := m.files[key]; ok {
		return true, nil
	}
	for name := range m.files {
		if under(name, key) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStorage) DeleteRecursive(p string) error {
	key := clean(p)
	if key == "" {
		return fmt.Errorf("refusing to delete storage root")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.files {
		if name == key || under(name, key) {
			delete(m.files, name)
		}
	}
	return nil
}

func (m *MemoryStorage) Open(p string) (io.ReadCloser, error) {
	data, err := m.Read(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) Stat(p string) (*chain.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, p)
	}
	return &chain.FileInfo{Path: p, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (m *MemoryStorage) ListFiles(root string) ([]chain.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := clean(root)
	var files []chain.FileInfo
	for name, f := range m.files {
		if !under(name, key) {
			continue
		}
		rel := name
		if key != "" {
			rel = strings.TrimPrefix(name, key+"/")
		}
		files = append(files, chain.FileInfo{Path: rel, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, root)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *MemoryStorage) ListDirs(dir string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := clean(dir)
	seen := make(map[string]bool)
	for name := range m.files {
		if !under(name, key) {
			continue
		}
		rest := name
		if key != "" {
			rest = strings.TrimPrefix(name, key+"/")
		}
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = true
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ValidateSetup always succeeds for in-memory storage.
func (m *MemoryStorage) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryStorage implements chain.Storage
var _ chain.Storage = (*MemoryStorage)(nil)
