// Package credstore implements the alias-bearing stores whose entries the resource tree
// shows as live children: in-memory stores, Redis-backed stores and filtered views.
package credstore

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// MemoryStore keeps aliases in process. It is initialized while started.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	aliases     sets.Set[string]
}

func NewMemoryStore(aliases ...string) *MemoryStore {
	return &MemoryStore{aliases: sets.New(aliases...)}
}

func (s *MemoryStore) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

func (s *MemoryStore) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	return nil
}

func (s *MemoryStore) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *MemoryStore) Aliases(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sets.List(s.aliases), nil
}

func (s *MemoryStore) AddAlias(_ context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases.Insert(alias)
	return nil
}

func (s *MemoryStore) RemoveAlias(_ context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases.Delete(alias)
	return nil
}
