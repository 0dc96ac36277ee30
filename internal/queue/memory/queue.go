// Package memory provides an in-process queue store for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue store closed")

// Store keeps job sets in a map guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	sets   map[string]map[string]struct{}
	closed bool
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{sets: make(map[string]map[string]struct{})}
}

// ListKeys returns keys matching the glob pattern, sorted. The pattern has no
// separators, so "*" spans "/" the way a redis KEYS pattern does.
func (s *Store) ListKeys(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile key pattern %q: %w", pattern, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.sets))
	for key := range s.sets {
		if g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Members returns the set under key, sorted. A missing key yields an empty slice.
func (s *Store) Members(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// AddMembers adds values to the set under key.
func (s *Store) AddMembers(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(values))
		s.sets[key] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.sets, key)
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
