package presence

import (
	"context"
	"sort"
	"sync"
)

// LocalRegistry keeps connection sets in process memory. It is only correct
// for single-process deployments, where every connection lives in this
// process.
type LocalRegistry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// NewLocalRegistry returns an empty LocalRegistry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{users: make(map[string]map[string]struct{})}
}

func (r *LocalRegistry) Add(_ context.Context, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (r *LocalRegistry) Remove(_ context.Context, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
	return nil
}

// List returns userID's connection ids, sorted.
func (r *LocalRegistry) List(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
