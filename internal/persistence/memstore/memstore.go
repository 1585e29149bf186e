// Package memstore is the in-memory Store backend, used by tests and
// single-process deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

type record struct {
	data    []byte
	version int64
}

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]record
}

var _ persistence.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]record)}
}

func (s *Store) Get(_ context.Context, id string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, 0, persistence.ErrNotFound
	}
	data := make([]byte, len(rec.data))
	copy(data, rec.data)
	return data, rec.version, nil
}

func (s *Store) Create(_ context.Context, id string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return 0, persistence.ErrAlreadyExists
	}
	s.records[id] = record{data: append([]byte(nil), data...), version: 1}
	return 1, nil
}

func (s *Store) Update(_ context.Context, id string, data []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, persistence.ErrNotFound
	}
	if rec.version != expectedVersion {
		return 0, persistence.ErrVersionConflict
	}
	next := rec.version + 1
	s.records[id] = record{data: append([]byte(nil), data...), version: next}
	return next, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.records {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
