package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MemoryStore is an in-memory Store guarded by a single RWMutex. Update runs
// its callback under the write lock, so read-modify-write cycles on any
// entity are serialized with every other access.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Kind]map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Kind]map[string]any),
	}
}

// Get returns the entity or a NotFoundError.
func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[kind][id]
	if !ok {
		return nil, NotFound(kind, id)
	}
	return v, nil
}

// Put creates or replaces the entity.
func (s *MemoryStore) Put(_ context.Context, kind Kind, id string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[kind] == nil {
		s.data[kind] = make(map[string]any)
	}
	s.data[kind][id] = value
	return nil
}

// List returns all entities of a kind in unspecified order.
func (s *MemoryStore) List(_ context.Context, kind Kind) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]any, 0, len(s.data[kind]))
	for _, v := range s.data[kind] {
		items = append(items, v)
	}
	return items, nil
}

// Update applies fn to the current entity under the write lock and commits
// its return value. The entity must exist.
func (s *MemoryStore) Update(_ context.Context, kind Kind, id string, fn func(any) (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[kind][id]
	if !ok {
		return nil, NotFound(kind, id)
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	s.data[kind][id] = next
	return next, nil
}

// Delete removes the entity. Deleting a missing entity is an error.
func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[kind][id]; !ok {
		return NotFound(kind, id)
	}
	delete(s.data[kind], id)
	return nil
}

// Snapshot writes all entities as JSON, grouped by kind. Intended for
// operator backups and the CLI's export command.
func (s *MemoryStore) Snapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Restore replaces the store's contents from a Snapshot stream. decode maps
// each raw entity back to its concrete type; kinds without a decoder are
// skipped.
func (s *MemoryStore) Restore(r io.Reader, decode func(Kind, json.RawMessage) (any, error)) error {
	var raw map[Kind]map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	data := make(map[Kind]map[string]any, len(raw))
	for kind, entities := range raw {
		decoded := make(map[string]any, len(entities))
		for id, msg := range entities {
			v, err := decode(kind, msg)
			if err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", kind, id, err)
			}
			if v == nil {
				continue
			}
			decoded[id] = v
		}
		if len(decoded) > 0 {
			data[kind] = decoded
		}
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
