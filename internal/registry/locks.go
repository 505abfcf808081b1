// Package registry provides in-process lock-position and pool registries.
// The broker consumes them through narrow interfaces; a deployment that
// tracks locks elsewhere supplies its own implementation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/model"
)

var (
	// ErrInvalidLock is returned for a non-positive amount or duration.
	ErrInvalidLock = errors.New("registry: lock amount and duration must be positive")

	// ErrLockStillRunning is returned when unlocking before expiry.
	ErrLockStillRunning = errors.New("registry: lock has not expired")
)

type operatorKey struct {
	owner, operator common.Address
}

// LockRegistry holds time-locked positions with ERC721-style ownership:
// an owner, one approved address per lock, and operators per owner.
type LockRegistry struct {
	mu        sync.RWMutex
	clock     clock.Clock
	pools     *PoolRegistry
	locks     map[uint64]model.LockPosition
	approved  map[uint64]common.Address
	operators map[operatorKey]bool
	nextID    uint64
}

// NewLockRegistry creates an empty registry. Locks may only target pools
// registered in pools.
func NewLockRegistry(c clock.Clock, pools *PoolRegistry) *LockRegistry {
	return &LockRegistry{
		clock:     c,
		pools:     pools,
		locks:     make(map[uint64]model.LockPosition),
		approved:  make(map[uint64]common.Address),
		operators: make(map[operatorKey]bool),
	}
}

// Lock creates an active position for owner starting now.
func (r *LockRegistry) Lock(owner common.Address, poolID uint64, amount sdkmath.Int, duration time.Duration) (model.LockPosition, error) {
	if amount.IsNil() || !amount.IsPositive() || duration <= 0 {
		return model.LockPosition{}, ErrInvalidLock
	}
	if !r.pools.IsRegistered(poolID) {
		return model.LockPosition{}, fmt.Errorf("%w: %d", model.ErrPoolNotFound, poolID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	now := r.clock.Now()
	lock := model.LockPosition{
		ID:           r.nextID,
		Owner:        owner,
		PoolID:       poolID,
		Deposited:    amount,
		LockDuration: duration,
		LockStart:    now,
		Expiry:       now.Add(duration),
		Active:       true,
	}
	r.locks[lock.ID] = lock
	return lock, nil
}

// GetLock returns the position. Unknown ids fail with model.ErrLockNotActive.
func (r *LockRegistry) GetLock(_ context.Context, id uint64) (model.LockPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lock, ok := r.locks[id]
	if !ok {
		return model.LockPosition{}, fmt.Errorf("%w: lock %d", model.ErrLockNotActive, id)
	}
	return lock, nil
}

// IsOwnerOrApproved reports whether identity may act for lock id.
func (r *LockRegistry) IsOwnerOrApproved(_ context.Context, identity common.Address, id uint64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lock, ok := r.locks[id]
	if !ok {
		return false, fmt.Errorf("%w: lock %d", model.ErrLockNotActive, id)
	}
	return r.canActLocked(identity, lock), nil
}

func (r *LockRegistry) canActLocked(identity common.Address, lock model.LockPosition) bool {
	return identity == lock.Owner ||
		r.approved[lock.ID] == identity ||
		r.operators[operatorKey{lock.Owner, identity}]
}

// Approve lets spender act for lock id. Only the owner or an operator may approve.
func (r *LockRegistry) Approve(caller, spender common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		return fmt.Errorf("%w: lock %d", model.ErrLockNotActive, id)
	}
	if caller != lock.Owner && !r.operators[operatorKey{lock.Owner, caller}] {
		return model.ErrNotAuthorized
	}
	r.approved[id] = spender
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of owner's locks.
func (r *LockRegistry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := operatorKey{owner, operator}
	if approved {
		r.operators[k] = true
		return
	}
	delete(r.operators, k)
}

// Transfer moves lock id to a new owner and clears its approval.
func (r *LockRegistry) Transfer(caller, to common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		return fmt.Errorf("%w: lock %d", model.ErrLockNotActive, id)
	}
	if !r.canActLocked(caller, lock) {
		return model.ErrNotAuthorized
	}
	lock.Owner = to
	r.locks[id] = lock
	delete(r.approved, id)
	return nil
}

// Unlock deactivates an expired position.
func (r *LockRegistry) Unlock(caller common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok || !lock.Active {
		return fmt.Errorf("%w: lock %d", model.ErrLockNotActive, id)
	}
	if !r.canActLocked(caller, lock) {
		return model.ErrNotAuthorized
	}
	if r.clock.Now().Before(lock.Expiry) {
		return ErrLockStillRunning
	}
	lock.Active = false
	r.locks[id] = lock
	return nil
}
