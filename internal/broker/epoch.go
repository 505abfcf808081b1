package broker

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/emission"
	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// NewEpoch advances the epoch, snapshots the reward valuation, mints the
// epoch budget to the holding account, and records each active pool's
// gauge. Any caller may advance; cadence is enforced outside the broker.
func (b *Broker) NewEpoch(ctx context.Context, caller common.Address) (model.EpochState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.pools.ActivePools(ctx)
	if err != nil {
		return model.EpochState{}, b.fail("new_epoch", fmt.Errorf("broker: list pools: %w", err))
	}
	if len(ids) == 0 {
		return model.EpochState{}, b.fail("new_epoch", model.ErrNoActivePools)
	}
	weights := make([]emission.Weight, 0, len(ids))
	for _, id := range ids {
		w, err := b.pools.WeightOf(ctx, id)
		if err != nil {
			return model.EpochState{}, b.fail("new_epoch", fmt.Errorf("broker: weight of pool %d: %w", id, err))
		}
		weights = append(weights, emission.Weight{PoolID: id, Weight: w})
	}
	valuation, err := b.oracles.Rate(ctx, b.params.RewardOracle, b.params.RewardOracleData)
	if err != nil {
		return model.EpochState{}, b.fail("new_epoch", fmt.Errorf("broker: reward valuation: %w", err))
	}
	now := b.clock.Now()

	var (
		state  model.EpochState
		budget sdkmath.Int
	)
	err = b.commit(ctx, "new_epoch", func(tx store.Tx, j *journal) error {
		prev, err := tx.Epoch()
		if err != nil {
			return err
		}
		state = model.EpochState{
			Number:          prev.Number + 1,
			LastTimestamp:   now,
			RewardValuation: valuation,
		}
		budget = b.params.Schedule.BudgetFor(state.Number)

		allocs, err := emission.Split(budget, weights)
		if err != nil {
			return err
		}
		if err := b.tokens.Mint(tx, b.params.RewardToken, b.params.Holding, budget); err != nil {
			return fmt.Errorf("broker: mint epoch %d: %w", state.Number, err)
		}
		if err := tx.PutEpoch(state); err != nil {
			return err
		}
		if err := j.add(model.Event{
			Kind:     model.EventNewEpoch,
			Epoch:    state.Number,
			Identity: caller,
			Token:    b.params.RewardToken,
			Amounts: map[string]sdkmath.Int{
				"budget":    budget,
				"valuation": valuation,
			},
		}); err != nil {
			return err
		}
		for _, a := range allocs {
			if err := tx.PutGauge(model.Gauge{
				GaugeKey: model.GaugeKey{Epoch: state.Number, PoolID: a.PoolID},
				Amount:   a.Amount,
			}); err != nil {
				return err
			}
			if err := j.add(model.Event{
				Kind:    model.EventEmission,
				Epoch:   state.Number,
				PoolID:  a.PoolID,
				Token:   b.params.RewardToken,
				Amounts: map[string]sdkmath.Int{"emission": a.Amount},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.EpochState{}, err
	}

	metrics.CurrentEpoch.Set(float64(state.Number))
	metrics.RewardEmitted.Add(metrics.Tokens(budget))
	b.log.Info("epoch advanced",
		"epoch", state.Number,
		"pools", len(ids),
		"budget", model.Units(budget).String(),
		"valuation", model.Units(valuation).String(),
	)
	return state, nil
}
