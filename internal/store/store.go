package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"kitsync/internal/entity"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionMismatch = errors.New("store: version mismatch")
)

// Versioned pairs an entity snapshot with its optimistic-concurrency
// version. Version 0 means the entity does not exist yet.
type Versioned struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Store abstracts the durable entity backend. Put is a compare-and-swap
// on the version: expected must match the committed version (0 to
// create), and the new version is expected+1.
type Store interface {
	Get(t entity.Type, id string) (Versioned, error)
	Put(t entity.Type, id string, data json.RawMessage, expected int64) (int64, error)
	List(t entity.Type) (map[string]Versioned, error)
	LoadAll(all map[string]Versioned)
}

// InMemoryStore is a simple thread-safe map store keyed by type#id.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Versioned
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Versioned)}
}

// LoadAll replaces the store contents with the provided snapshot (used
// by recovery replay).
func (s *InMemoryStore) LoadAll(all map[string]Versioned) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Versioned, len(all))
	for k, v := range all {
		s.data[k] = v
	}
}

func (s *InMemoryStore) Get(t entity.Type, id string) (Versioned, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[entity.Key(t, id)]
	if !ok {
		return Versioned{}, ErrNotFound
	}
	return v, nil
}

func (s *InMemoryStore) Put(t entity.Type, id string, data json.RawMessage, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entity.Key(t, id)
	cur := s.data[key]
	if cur.Version != expected {
		return cur.Version, fmt.Errorf("put %s: have v%d want v%d: %w", key, cur.Version, expected, ErrVersionMismatch)
	}
	next := expected + 1
	s.data[key] = Versioned{Version: next, Data: append(json.RawMessage(nil), data...)}
	return next, nil
}

func (s *InMemoryStore) List(t entity.Type) (map[string]Versioned, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := string(t) + "#"
	out := make(map[string]Versioned)
	for k, v := range s.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}
