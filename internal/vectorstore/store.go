package vectorstore

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Store owns one FlatIndex per named collection and persists each to its
// own file under dir. internal/memory uses the two standard collection
// names; the type itself is collection-agnostic.
type Store struct {
	dir        string
	dimensions int

	mu          sync.Mutex
	collections map[string]*FlatIndex
}

func NewStore(dir string, dimensions int) *Store {
	return &Store{dir: dir, dimensions: dimensions, collections: make(map[string]*FlatIndex)}
}

// Collection returns the named collection's index, loading it from disk on
// first access and creating it empty if no file exists yet.
func (s *Store) Collection(name string) (*FlatIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.collections[name]; ok {
		return idx, nil
	}

	idx := NewFlatIndex(s.dimensions)
	if err := idx.Load(s.path(name)); err != nil {
		return nil, err
	}
	s.collections[name] = idx
	return idx, nil
}

// Flush persists every loaded collection to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, idx := range s.collections {
		if err := idx.Save(s.path(name)); err != nil {
			return fmt.Errorf("vectorstore: failed to flush collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".msgpack")
}
