// Package kvstore is the ephemeral key-value tier: a badger-backed store
// for fast point lookups with optional TTL expiry. internal/memory keeps its
// ingest markers here.
package kvstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// KVStore is the store's public contract.
type KVStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchSet(items map[string][]byte) error
	BatchGet(keys []string) (map[string][]byte, error)

	Scan(prefix string, limit int) (map[string][]byte, error)
	ListKeys(prefix string, limit int) ([]string, error)

	SetWithTTL(key string, value []byte, ttl time.Duration) error

	Close() error
	Stats() (*Stats, error)
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	KeyCount     int64     `json:"key_count"`
	TotalSize    int64     `json:"total_size"`
	LastAccess   time.Time `json:"last_access"`
	AvgKeySize   float64   `json:"avg_key_size"`
	AvgValueSize float64   `json:"avg_value_size"`
}

// Config configures the on-disk badger instance.
type Config struct {
	Dir        string
	SyncWrites bool
}

func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncWrites: false}
}

type store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if necessary) the badger database at cfg.Dir.
func Open(cfg Config) (KVStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Compression = options.Snappy
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to open badger database at %s: %w", cfg.Dir, err)
	}
	return &store{db: db}, nil
}

func (s *store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *store) Get(key string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (s *store) Set(key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *store) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (s *store) Delete(key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *store) Exists(key string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *store) BatchSet(items map[string][]byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range items {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) BatchGet(keys []string) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	result := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[key] = value
		}
		return nil
	})
	return result, err
}

func (s *store) Scan(prefix string, limit int) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	result := make(map[string][]byte)
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p) && (limit <= 0 || count < limit); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(item.Key())] = value
			count++
		}
		return nil
	})
	return result, err
}

func (s *store) ListKeys(prefix string, limit int) ([]string, error) {
	data, err := s.Scan(prefix, limit)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *store) Stats() (*Stats, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var keyCount, totalKeySize, totalValueSize int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			keyCount++
			totalKeySize += int64(len(item.Key()))
			totalValueSize += item.ValueSize()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		KeyCount:   keyCount,
		TotalSize:  totalKeySize + totalValueSize,
		LastAccess: time.Now(),
	}
	if keyCount > 0 {
		stats.AvgKeySize = float64(totalKeySize) / float64(keyCount)
		stats.AvgValueSize = float64(totalValueSize) / float64(keyCount)
	}
	return stats, nil
}
