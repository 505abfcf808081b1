package broker

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// LockSource is the external lock-position registry.
type LockSource interface {
	GetLock(ctx context.Context, id uint64) (model.LockPosition, error)
	IsOwnerOrApproved(ctx context.Context, identity common.Address, id uint64) (bool, error)
}

// PoolSource is the external pool registry.
type PoolSource interface {
	PoolExists(ctx context.Context, id uint64) (bool, error)
	ActivePools(ctx context.Context) ([]uint64, error)
	WeightOf(ctx context.Context, id uint64) (uint64, error)
}

// RateSource resolves an oracle reference and returns its rate.
type RateSource interface {
	Rate(ctx context.Context, ref string, data []byte) (sdkmath.Int, error)
}

// TokenLedger moves reward and payment tokens inside a ledger transaction.
type TokenLedger interface {
	BalanceOf(tx store.Tx, token, holder common.Address) (sdkmath.Int, error)
	Allowance(tx store.Tx, token, owner, spender common.Address) (sdkmath.Int, error)
	Mint(tx store.Tx, token, to common.Address, amount sdkmath.Int) error
	Transfer(tx store.Tx, token, from, to common.Address, amount sdkmath.Int) error
	TransferFrom(tx store.Tx, token, spender, from, to common.Address, amount sdkmath.Int) error
}

// EventSink receives committed events.
type EventSink interface {
	Publish(ctx context.Context, e model.Event) error
}
