package broker

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/fixed"
	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// Settlement is the outcome (or quote) of exercising an option in the
// current epoch.
type Settlement struct {
	OptionID       uint64         `json:"option_id"`
	Epoch          uint64         `json:"epoch"`
	PoolID         uint64         `json:"pool_id"`
	PaymentToken   common.Address `json:"payment_token"`
	Discount       uint64         `json:"discount_bps"`
	EligibleReward sdkmath.Int    `json:"eligible_reward"`
	OTCValue       sdkmath.Int    `json:"otc_value"`
	PaymentAmount  sdkmath.Int    `json:"payment_amount"`
}

// canActOnOption reports whether caller is the owner, the approved
// address, or an operator of the owner.
func canActOnOption(tx store.Tx, caller common.Address, opt model.Option) (bool, error) {
	if caller == opt.Owner || (opt.Approved != (common.Address{}) && caller == opt.Approved) {
		return true, nil
	}
	return tx.OperatorApproved(opt.Owner, caller)
}

func loadOption(tx store.Tx, id uint64) (model.Option, error) {
	opt, ok, err := tx.Option(id)
	if err != nil {
		return opt, err
	}
	if !ok {
		return opt, fmt.Errorf("%w: %d", model.ErrOptionNotFound, id)
	}
	return opt, nil
}

// checkExercisable applies the option and payment-token checks shared by
// exercise and quote, in that order: token supported, not expired, not
// exercised.
func checkExercisable(tx store.Tx, opt model.Option, token common.Address, now time.Time) (model.PaymentToken, error) {
	pt, _, err := tx.PaymentToken(token)
	if err != nil {
		return pt, err
	}
	if !pt.Enabled() {
		return pt, fmt.Errorf("%w: %s", model.ErrPaymentTokenNotSupported, token.Hex())
	}
	if now.After(opt.Expiry) {
		return pt, fmt.Errorf("%w: option %d expired %s", model.ErrOptionExpired, opt.ID, opt.Expiry)
	}
	if opt.Exercised {
		return pt, fmt.Errorf("%w: option %d", model.ErrAlreadyExercised, opt.ID)
	}
	return pt, nil
}

// settle computes the reward share and payment for opt in the current
// epoch. The share divides by the pool's live deposited total, so joins
// and exits after the epoch started move it, but it is capped at the
// pool's gauge.
func settle(tx store.Tx, opt model.Option, token common.Address, rate sdkmath.Int) (Settlement, error) {
	epoch, err := tx.Epoch()
	if err != nil {
		return Settlement{}, err
	}
	gauge, ok, err := tx.Gauge(model.GaugeKey{Epoch: epoch.Number, PoolID: opt.PoolID})
	if err != nil {
		return Settlement{}, err
	}
	if !ok || epoch.Number == 0 {
		return Settlement{}, fmt.Errorf("%w: pool %d epoch %d", model.ErrNoEmission, opt.PoolID, epoch.Number)
	}
	pool, _, err := tx.Pool(opt.PoolID)
	if err != nil {
		return Settlement{}, err
	}
	// The option's own deposit is always part of the denominator, so the
	// share never exceeds the gauge even after the lock exited.
	deposited := model.IntOrZero(opt.Deposited)
	denom := sdkmath.MaxInt(model.IntOrZero(pool.TotalDeposited), deposited)
	if denom.IsZero() {
		return Settlement{}, fmt.Errorf("%w: pool %d has no deposits", model.ErrNotParticipating, opt.PoolID)
	}

	eligible, err := fixed.MulDiv(denom, deposited, gauge)
	if err != nil {
		return Settlement{}, fmt.Errorf("broker: eligible reward: %w", err)
	}
	otc, err := fixed.MulDiv(model.Unit, eligible, epoch.RewardValuation)
	if err != nil {
		return Settlement{}, fmt.Errorf("broker: otc value: %w", err)
	}
	payment, err := fixed.MulDiv(sdkmath.NewInt(fixed.BpsBase), otc, rate, sdkmath.NewIntFromUint64(opt.Discount))
	if err != nil {
		return Settlement{}, fmt.Errorf("broker: payment amount: %w", err)
	}
	return Settlement{
		OptionID:       opt.ID,
		Epoch:          epoch.Number,
		PoolID:         opt.PoolID,
		PaymentToken:   token,
		Discount:       opt.Discount,
		EligibleReward: eligible,
		OTCValue:       otc,
		PaymentAmount:  payment,
	}, nil
}

// ExerciseOption settles an option once: caller pays the discounted amount
// of paymentToken to the holding account and receives the reward share.
// Both transfers and the exercised flag commit together or not at all.
// Caller must have approved the holding account for the payment.
func (b *Broker) ExerciseOption(ctx context.Context, caller common.Address, optionID uint64, paymentToken common.Address) (Settlement, error) {
	start := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var pt model.PaymentToken
	err := b.store.View(ctx, func(tx store.Tx) error {
		opt, err := loadOption(tx, optionID)
		if err != nil {
			return err
		}
		ok, err := canActOnOption(tx, caller, opt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s on option %d", model.ErrNotAuthorized, caller.Hex(), optionID)
		}
		pt, err = checkExercisable(tx, opt, paymentToken, now)
		return err
	})
	if err != nil {
		return Settlement{}, b.fail("exercise", err)
	}
	rate, err := b.oracles.Rate(ctx, pt.Oracle, pt.OracleData)
	if err != nil {
		return Settlement{}, b.fail("exercise", fmt.Errorf("broker: payment token rate: %w", err))
	}

	var s Settlement
	err = b.commit(ctx, "exercise", func(tx store.Tx, j *journal) error {
		opt, err := loadOption(tx, optionID)
		if err != nil {
			return err
		}
		if s, err = settle(tx, opt, paymentToken, rate); err != nil {
			return err
		}
		if err := b.tokens.TransferFrom(tx, paymentToken, b.params.Holding, caller, b.params.Holding, s.PaymentAmount); err != nil {
			return err
		}
		if err := b.tokens.Transfer(tx, b.params.RewardToken, b.params.Holding, caller, s.EligibleReward); err != nil {
			return fmt.Errorf("broker: pay reward: %w", err)
		}

		opt.Exercised = true
		opt.ExercisedEpoch = s.Epoch
		opt.EligibleReward = s.EligibleReward
		opt.PaymentAmount = s.PaymentAmount
		opt.PaymentToken = paymentToken
		if err := tx.PutOption(opt); err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventExerciseOption,
			Epoch:    s.Epoch,
			PoolID:   opt.PoolID,
			Identity: caller,
			LockID:   opt.LockID,
			OptionID: opt.ID,
			Token:    paymentToken,
			Amounts: map[string]sdkmath.Int{
				"eligible_reward": s.EligibleReward,
				"otc_value":       s.OTCValue,
				"payment_amount":  s.PaymentAmount,
			},
		})
	})
	if err != nil {
		return Settlement{}, err
	}

	metrics.ExercisesTotal.WithLabelValues(paymentToken.Hex()).Inc()
	metrics.ExerciseLatency.Observe(b.clock.Now().Sub(start).Seconds())
	b.log.Info("option exercised",
		"option", optionID,
		"caller", caller.Hex(),
		"epoch", s.Epoch,
		"pool", s.PoolID,
		"payment_token", paymentToken.Hex(),
		"eligible", model.Units(s.EligibleReward).String(),
		"payment", s.PaymentAmount.String(),
	)
	return s, nil
}

// Quote evaluates what exercising optionID with paymentToken would settle
// to right now, without authorization or balance checks.
func (b *Broker) Quote(ctx context.Context, optionID uint64, paymentToken common.Address) (Settlement, error) {
	now := b.clock.Now()
	var pt model.PaymentToken
	err := b.store.View(ctx, func(tx store.Tx) error {
		opt, err := loadOption(tx, optionID)
		if err != nil {
			return err
		}
		pt, err = checkExercisable(tx, opt, paymentToken, now)
		return err
	})
	if err != nil {
		return Settlement{}, err
	}
	rate, err := b.oracles.Rate(ctx, pt.Oracle, pt.OracleData)
	if err != nil {
		return Settlement{}, fmt.Errorf("broker: payment token rate: %w", err)
	}

	var s Settlement
	err = b.store.View(ctx, func(tx store.Tx) error {
		opt, err := loadOption(tx, optionID)
		if err != nil {
			return err
		}
		s, err = settle(tx, opt, paymentToken, rate)
		return err
	})
	return s, err
}
