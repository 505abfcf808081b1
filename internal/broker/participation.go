package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
	"github.com/atmx/option-broker/internal/twaml"
)

func (b *Broker) getLock(ctx context.Context, lockID uint64) (model.LockPosition, error) {
	lock, err := b.locks.GetLock(ctx, lockID)
	if err != nil && !errors.Is(err, model.ErrLockNotActive) {
		return lock, fmt.Errorf("broker: get lock %d: %w", lockID, err)
	}
	return lock, err
}

func (b *Broker) authorizeLock(ctx context.Context, caller common.Address, lockID uint64) error {
	ok, err := b.locks.IsOwnerOrApproved(ctx, caller, lockID)
	if err != nil {
		return fmt.Errorf("broker: lock approval %d: %w", lockID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on lock %d", model.ErrNotAuthorized, caller.Hex(), lockID)
	}
	return nil
}

// Participate joins an active lock to its pool and mints an option to
// caller. The pool aggregate, the option, and the participation record are
// written together.
func (b *Broker) Participate(ctx context.Context, caller common.Address, lockID uint64) (model.Option, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := b.getLock(ctx, lockID)
	if err == nil && !lock.Active {
		err = fmt.Errorf("%w: lock %d", model.ErrLockNotActive, lockID)
	}
	if err != nil {
		return model.Option{}, b.fail("participate", err)
	}
	if err := b.authorizeLock(ctx, caller, lockID); err != nil {
		return model.Option{}, b.fail("participate", err)
	}
	exists, err := b.pools.PoolExists(ctx, lock.PoolID)
	if err != nil {
		return model.Option{}, b.fail("participate", fmt.Errorf("broker: pool lookup %d: %w", lock.PoolID, err))
	}
	if !exists {
		return model.Option{}, b.fail("participate", fmt.Errorf("%w: %d", model.ErrPoolNotFound, lock.PoolID))
	}
	now := b.clock.Now()

	var (
		opt   model.Option
		entry twaml.Entry
		agg   model.PoolAggregate
	)
	err = b.commit(ctx, "participate", func(tx store.Tx, j *journal) error {
		if _, ok, err := tx.Participation(lock.Owner, lock.PoolID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s in pool %d", model.ErrAlreadyParticipating, lock.Owner.Hex(), lock.PoolID)
		}

		prev, _, err := tx.Pool(lock.PoolID)
		if err != nil {
			return err
		}
		agg, entry, err = b.params.Curve.Join(prev, lock.Deposited, lock.LockDuration)
		if err != nil {
			return fmt.Errorf("broker: join pool %d: %w", lock.PoolID, err)
		}
		if err := tx.PutPool(agg); err != nil {
			return err
		}

		id, err := tx.NextOptionID()
		if err != nil {
			return err
		}
		opt = model.Option{
			ID:             id,
			Owner:          caller,
			LockID:         lock.ID,
			PoolID:         lock.PoolID,
			Deposited:      lock.Deposited,
			Discount:       entry.Discount,
			Expiry:         lock.Expiry,
			MintedAt:       now,
			EligibleReward: sdkmath.ZeroInt(),
			PaymentAmount:  sdkmath.ZeroInt(),
		}
		if err := tx.PutOption(opt); err != nil {
			return err
		}
		if err := tx.PutParticipation(model.Participation{
			Owner:            lock.Owner,
			PoolID:           lock.PoolID,
			LockID:           lock.ID,
			HasVotingPower:   entry.HasVotingPower,
			AverageMagnitude: entry.Contribution,
			PriorAverage:     entry.PriorAverage,
			Magnitude:        entry.Magnitude,
			Deposited:        lock.Deposited,
			Discount:         entry.Discount,
			Expiry:           lock.Expiry,
			OptionID:         id,
			JoinedAt:         now,
		}); err != nil {
			return err
		}

		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventParticipate,
			Epoch:    epoch.Number,
			PoolID:   lock.PoolID,
			Identity: caller,
			LockID:   lock.ID,
			OptionID: id,
			Amounts: map[string]sdkmath.Int{
				"deposited":         lock.Deposited,
				"magnitude":         entry.Magnitude,
				"average_magnitude": entry.Contribution,
				"discount_bps":      sdkmath.NewIntFromUint64(entry.Discount),
			},
		})
	})
	if err != nil {
		return model.Option{}, err
	}

	metrics.ParticipationsTotal.WithLabelValues(strconv.FormatBool(entry.HasVotingPower)).Inc()
	metrics.PoolDeposited.WithLabelValues(strconv.FormatUint(lock.PoolID, 10)).Set(metrics.Tokens(agg.TotalDeposited))
	b.log.Info("participation created",
		"owner", lock.Owner.Hex(),
		"caller", caller.Hex(),
		"pool", lock.PoolID,
		"lock", lock.ID,
		"option", opt.ID,
		"voting_power", entry.HasVotingPower,
		"discount_bps", entry.Discount,
		"deposited", model.Units(lock.Deposited).String(),
	)
	return opt, nil
}

// ExitPosition removes an expired lock's participation and reverses its
// pool contribution. Exiting a lock that never joined is a no-op. The
// option minted at join is left untouched.
func (b *Broker) ExitPosition(ctx context.Context, caller common.Address, lockID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := b.getLock(ctx, lockID)
	if err != nil {
		return b.fail("exit", err)
	}
	if b.clock.Now().Before(lock.Expiry) {
		return b.fail("exit", fmt.Errorf("%w: lock %d expires %s", model.ErrLockNotExpired, lockID, lock.Expiry))
	}
	if err := b.authorizeLock(ctx, caller, lockID); err != nil {
		return b.fail("exit", err)
	}

	var (
		exited bool
		agg    model.PoolAggregate
	)
	err = b.commit(ctx, "exit", func(tx store.Tx, j *journal) error {
		p, ok, err := tx.Participation(lock.Owner, lock.PoolID)
		if err != nil {
			return err
		}
		if !ok || p.LockID != lock.ID {
			return nil
		}

		prev, _, err := tx.Pool(lock.PoolID)
		if err != nil {
			return err
		}
		agg = twaml.Leave(prev, twaml.EntryOf(p))
		if err := tx.PutPool(agg); err != nil {
			return err
		}
		if err := tx.DeleteParticipation(lock.Owner, lock.PoolID); err != nil {
			return err
		}
		exited = true

		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventExitPosition,
			Epoch:    epoch.Number,
			PoolID:   lock.PoolID,
			Identity: caller,
			LockID:   lock.ID,
			OptionID: p.OptionID,
			Amounts: map[string]sdkmath.Int{
				"deposited":         model.IntOrZero(p.Deposited),
				"average_magnitude": model.IntOrZero(p.AverageMagnitude),
			},
		})
	})
	if err != nil {
		return err
	}

	if !exited {
		b.log.Info("exit without participation", "lock", lockID, "caller", caller.Hex())
		return nil
	}
	metrics.ExitsTotal.Inc()
	metrics.PoolDeposited.WithLabelValues(strconv.FormatUint(lock.PoolID, 10)).Set(metrics.Tokens(agg.TotalDeposited))
	b.log.Info("participation removed",
		"owner", lock.Owner.Hex(),
		"pool", lock.PoolID,
		"lock", lock.ID,
	)
	return nil
}
