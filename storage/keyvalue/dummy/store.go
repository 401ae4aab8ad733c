package dummykv

import (
	"sync"

	"github.com/dmakasi/mahudhurio/storage/keyvalue"
)

type Store struct {
	mu    sync.RWMutex
	table map[string][]byte
}

var _ keyvalue.Store = (*Store)(nil)

func Open() *Store {
	return &Store{table: make(map[string][]byte)}
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.table[key]
	if !ok {
		return nil, keyvalue.ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.table[key] = cp
	return nil
}

func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.table, key)
	}
	return nil
}
