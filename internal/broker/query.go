package broker

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// Epoch returns the current epoch state.
func (b *Broker) Epoch(ctx context.Context) (model.EpochState, error) {
	var e model.EpochState
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.Epoch()
		return err
	})
	return e, err
}

// Pool returns the aggregate of a pool. Pools nobody joined yet read as
// empty aggregates; unknown pools fail with model.ErrPoolNotFound.
func (b *Broker) Pool(ctx context.Context, id uint64) (model.PoolAggregate, error) {
	exists, err := b.pools.PoolExists(ctx, id)
	if err != nil {
		return model.PoolAggregate{}, err
	}
	if !exists {
		return model.PoolAggregate{}, model.ErrPoolNotFound
	}
	var p model.PoolAggregate
	err = b.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, _, err = tx.Pool(id)
		return err
	})
	return p, err
}

// Option returns an option certificate.
func (b *Broker) Option(ctx context.Context, id uint64) (model.Option, error) {
	var o model.Option
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		o, err = loadOption(tx, id)
		return err
	})
	return o, err
}

// Participation returns owner's participation in pool.
func (b *Broker) Participation(ctx context.Context, owner common.Address, poolID uint64) (model.Participation, error) {
	var p model.Participation
	err := b.store.View(ctx, func(tx store.Tx) error {
		var (
			ok  bool
			err error
		)
		p, ok, err = tx.Participation(owner, poolID)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotParticipating
		}
		return nil
	})
	return p, err
}

// Gauges returns the emission allocations of an epoch.
func (b *Broker) Gauges(ctx context.Context, epoch uint64) ([]model.Gauge, error) {
	var gs []model.Gauge
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		gs, err = tx.Gauges(epoch)
		return err
	})
	return gs, err
}

// PaymentToken returns a token's exercise configuration.
func (b *Broker) PaymentToken(ctx context.Context, token common.Address) (model.PaymentToken, error) {
	var pt model.PaymentToken
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		pt, _, err = tx.PaymentToken(token)
		return err
	})
	return pt, err
}

// Admin returns the owner and beneficiary.
func (b *Broker) Admin(ctx context.Context) (model.AdminState, error) {
	var a model.AdminState
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.Admin()
		return err
	})
	return a, err
}

// Balance returns holder's ledger balance of token.
func (b *Broker) Balance(ctx context.Context, token, holder common.Address) (sdkmath.Int, error) {
	bal := sdkmath.ZeroInt()
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		bal, err = b.tokens.BalanceOf(tx, token, holder)
		return err
	})
	return bal, err
}

// Events returns journaled events with seq > after, up to limit (0 = all).
func (b *Broker) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	var events []model.Event
	err := b.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.Events(after, limit)
		return err
	})
	return events, err
}
