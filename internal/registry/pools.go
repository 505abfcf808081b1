package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/option-broker/internal/model"
)

type poolEntry struct {
	weight uint64
	active bool
}

// PoolRegistry tracks registered pools and their emission weights. A pool
// stays known after it is deactivated so that existing participations can
// still exit.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[uint64]poolEntry
}

// NewPoolRegistry creates an empty registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[uint64]poolEntry)}
}

// RegisterPool activates id with weight. A zero weight counts as 1.
func (r *PoolRegistry) RegisterPool(id, weight uint64) {
	if weight == 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[id] = poolEntry{weight: weight, active: true}
}

// SetWeight changes the weight of a known pool. A zero weight counts as 1.
func (r *PoolRegistry) SetWeight(id, weight uint64) error {
	if weight == 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrPoolNotFound, id)
	}
	e.weight = weight
	r.pools[id] = e
	return nil
}

// UnregisterPool removes id from the active set.
func (r *PoolRegistry) UnregisterPool(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrPoolNotFound, id)
	}
	e.active = false
	r.pools[id] = e
	return nil
}

// IsRegistered reports whether id was ever registered.
func (r *PoolRegistry) IsRegistered(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[id]
	return ok
}

// PoolExists is IsRegistered in capability form.
func (r *PoolRegistry) PoolExists(_ context.Context, id uint64) (bool, error) {
	return r.IsRegistered(id), nil
}

// ActivePools returns the active pool ids in ascending order.
func (r *PoolRegistry) ActivePools(_ context.Context) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.pools))
	for id, e := range r.pools {
		if e.active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WeightOf returns the weight of a known pool.
func (r *PoolRegistry) WeightOf(_ context.Context, id uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pools[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", model.ErrPoolNotFound, id)
	}
	return e.weight, nil
}
