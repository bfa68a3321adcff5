package usekit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Store is a string-keyed byte store backing the persistent cache modes
// and the token refresher. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// StorageError wraps a failed store operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("usekit: store closed")

// MemoryStore keeps values for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string][]byte)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// FileStore is a Store persisted as a single msgpack file. Every mutation
// rewrites the file through a temporary file and an atomic rename, so a
// crash leaves either the old or the new contents.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	fileMu sync.Mutex
	items  map[string][]byte
}

// NewFileStore opens the store at path, loading existing contents.
// A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, &StorageError{Op: "open", Err: errors.New("empty path")}
	}
	s := &FileStore{path: path, items: make(map[string][]byte)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	return s.mutate(func(items map[string][]byte) bool {
		items[key] = append([]byte(nil), value...)
		return true
	})
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	return s.mutate(func(items map[string][]byte) bool {
		if _, ok := items[key]; !ok {
			return false
		}
		delete(items, key)
		return true
	})
}

func (s *FileStore) Clear(_ context.Context) error {
	return s.mutate(func(items map[string][]byte) bool {
		clear(items)
		return true
	})
}

// mutate applies fn and persists the result. fileMu is held across both
// steps so snapshots reach the disk in mutation order.
func (s *FileStore) mutate(fn func(items map[string][]byte) bool) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	if !fn(s.items) {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.flush(snapshot)
}

func (s *FileStore) snapshotLocked() map[string][]byte {
	out := make(map[string][]byte, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "load", Path: s.path, Err: err}
	}
	defer f.Close()

	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&s.items); err != nil {
		return &StorageError{Op: "load", Path: s.path, Err: err}
	}
	if s.items == nil {
		s.items = make(map[string][]byte)
	}
	return nil
}

func (s *FileStore) flush(items map[string][]byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "flush", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &StorageError{Op: "flush", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	if err := msgpack.NewEncoder(w).Encode(items); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "flush", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "flush", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}
