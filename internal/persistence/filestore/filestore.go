// Package filestore persists records as one JSON file per key with an
// embedded version, written atomically via temp-file rename.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

const fileExt = ".json"

type envelope struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Store keeps one file per record under a base directory. A process-local
// mutex serializes writers; the version check still protects against
// writers in other processes reading stale versions.
type Store struct {
	dir string
	mu  sync.Mutex
}

var _ persistence.Store = (*Store)(nil)

// New creates the base directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// fileName escapes the id so ids with separators stay single path
// components.
func (s *Store) fileName(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+fileExt)
}

func (s *Store) read(id string) (*envelope, error) {
	raw, err := os.ReadFile(s.fileName(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	return &env, nil
}

func (s *Store) write(id string, env *envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	path := s.fileName(id)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) Get(_ context.Context, id string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.read(id)
	if err != nil {
		return nil, 0, err
	}
	return env.Data, env.Version, nil
}

func (s *Store) Create(_ context.Context, id string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.read(id); err == nil {
		return 0, persistence.ErrAlreadyExists
	} else if err != persistence.ErrNotFound {
		return 0, err
	}
	env := &envelope{Version: 1, Data: append(json.RawMessage(nil), data...)}
	if err := s.write(id, env); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Store) Update(_ context.Context, id string, data []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.read(id)
	if err != nil {
		return 0, err
	}
	if env.Version != expectedVersion {
		return 0, persistence.ErrVersionConflict
	}
	env.Version++
	env.Data = append(json.RawMessage(nil), data...)
	if err := s.write(id, env); err != nil {
		return 0, err
	}
	return env.Version, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.fileName(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
