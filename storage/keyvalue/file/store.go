package filekv

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/storage/keyvalue"
)

// Store keeps the whole key space in a single JSON document on disk.
// The document holds session credentials, so it is written with 0600.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
}

var _ keyvalue.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: make(map[string][]byte),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "reading store file")
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err = json.Unmarshal(raw, &s.data); err != nil {
		return nil, errors.Wrap(err, "decoding store file")
	}
	return s, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.data[key]
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
	s.data[key] = cp
	return s.flush()
}

func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return s.flush()
}

// flush rewrites the document. Caller must hold mu.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "creating store dir")
	}
	raw, err := json.Marshal(s.data)
	if err != nil {
		return errors.Wrap(err, "encoding store file")
	}
	if err = os.WriteFile(s.path, raw, 0o600); err != nil {
		return errors.Wrap(err, "writing store file")
	}
	return nil
}
