// Package model defines the core domain types shared across the option broker.
// All token amounts use cosmossdk.io/math Int in base units; never float64 for money.
package model

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UnitDecimals is the number of decimals of the reward token and of oracle
// valuations. Unit is 10^UnitDecimals.
const UnitDecimals = 18

// Unit is one whole reward token expressed in base units.
var Unit = sdkmath.NewIntWithDecimal(1, UnitDecimals)

// LockPosition is a time-locked liquidity position owned by the external
// lock registry. The broker only reads it.
type LockPosition struct {
	ID           uint64         `json:"id"`
	Owner        common.Address `json:"owner"`
	PoolID       uint64         `json:"pool_id"`
	Deposited    sdkmath.Int    `json:"deposited"`
	LockDuration time.Duration  `json:"lock_duration"`
	LockStart    time.Time      `json:"lock_start"`
	Expiry       time.Time      `json:"expiry"`
	Active       bool           `json:"active"`
}

// PoolAggregate holds the running participation totals of one pool.
// TotalParticipants == 0 implies TotalDeposited and Cumulative are zero.
type PoolAggregate struct {
	PoolID            uint64      `json:"pool_id" db:"pool_id"`
	TotalParticipants uint64      `json:"total_participants" db:"total_participants"`
	TotalDeposited    sdkmath.Int `json:"total_deposited" db:"total_deposited"`
	Cumulative        sdkmath.Int `json:"cumulative" db:"cumulative"`
	AverageMagnitude  sdkmath.Int `json:"average_magnitude" db:"average_magnitude"`
}

// NewPoolAggregate returns the empty aggregate of a pool nobody joined yet.
func NewPoolAggregate(poolID uint64) PoolAggregate {
	return PoolAggregate{
		PoolID:           poolID,
		TotalDeposited:   sdkmath.ZeroInt(),
		Cumulative:       sdkmath.ZeroInt(),
		AverageMagnitude: sdkmath.ZeroInt(),
	}
}

// Participation is the record of one owner taking part in one pool through
// one lock. Snapshot fields are frozen at join time and reversed on exit.
type Participation struct {
	Owner          common.Address `json:"owner"`
	PoolID         uint64         `json:"pool_id"`
	LockID         uint64         `json:"lock_id"`
	HasVotingPower bool           `json:"has_voting_power"`
	// AverageMagnitude is the pool average right after this join; it is the
	// amount added to (and later removed from) the pool cumulative.
	AverageMagnitude sdkmath.Int `json:"average_magnitude"`
	// PriorAverage is the pool average right before this join.
	PriorAverage sdkmath.Int `json:"prior_average"`
	Magnitude    sdkmath.Int `json:"magnitude"`
	Deposited    sdkmath.Int `json:"deposited"`
	Discount     uint64      `json:"discount_bps"`
	Expiry       time.Time   `json:"expiry"`
	OptionID     uint64      `json:"option_id"`
	JoinedAt     time.Time   `json:"joined_at"`
}

// Option is a transferable certificate minted at participation. Exercised
// is terminal: once true it never goes back.
type Option struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Approved  common.Address `json:"approved"`
	LockID    uint64         `json:"lock_id"`
	PoolID    uint64         `json:"pool_id"`
	Deposited sdkmath.Int    `json:"deposited"`
	Discount  uint64         `json:"discount_bps"`
	Expiry    time.Time      `json:"expiry"`
	MintedAt  time.Time      `json:"minted_at"`

	Exercised      bool           `json:"exercised"`
	ExercisedEpoch uint64         `json:"exercised_epoch,omitempty"`
	EligibleReward sdkmath.Int    `json:"eligible_reward"`
	PaymentAmount  sdkmath.Int    `json:"payment_amount"`
	PaymentToken   common.Address `json:"payment_token"`
}

// EpochState is the process-wide epoch singleton.
type EpochState struct {
	Number          uint64      `json:"number"`
	LastTimestamp   time.Time   `json:"last_timestamp"`
	RewardValuation sdkmath.Int `json:"reward_valuation"`
}

// NewEpochState returns the state before the first epoch.
func NewEpochState() EpochState {
	return EpochState{RewardValuation: sdkmath.ZeroInt()}
}

// GaugeKey is the composite (epoch, pool) key of an emission allocation.
type GaugeKey struct {
	Epoch  uint64 `json:"epoch"`
	PoolID uint64 `json:"pool_id"`
}

// Gauge is the reward allocated to a pool for an epoch. Immutable once set.
type Gauge struct {
	GaugeKey
	Amount sdkmath.Int `json:"amount"`
}

// PaymentToken configures a token accepted for exercise. An empty Oracle
// reference means the token is disabled.
type PaymentToken struct {
	Token      common.Address `json:"token"`
	Oracle     string         `json:"oracle"`
	OracleData []byte         `json:"oracle_data"`
}

// Enabled reports whether the token has an oracle configured.
func (p PaymentToken) Enabled() bool { return p.Oracle != "" }

// AdminState gates privileged operations.
type AdminState struct {
	Owner       common.Address `json:"owner"`
	Beneficiary common.Address `json:"beneficiary"`
}

// Initialized reports whether an owner has been seeded.
func (a AdminState) Initialized() bool { return a.Owner != (common.Address{}) }

// EventKind names a journaled state change.
type EventKind string

const (
	EventParticipate          EventKind = "participate"
	EventExitPosition         EventKind = "exit_position"
	EventNewEpoch             EventKind = "new_epoch"
	EventEmission             EventKind = "emission"
	EventExerciseOption       EventKind = "exercise_option"
	EventSetPaymentToken      EventKind = "set_payment_token"
	EventSetBeneficiary       EventKind = "set_beneficiary"
	EventCollectPaymentTokens EventKind = "collect_payment_tokens"
	EventTransferOption       EventKind = "transfer_option"
	EventApproveOption        EventKind = "approve_option"
	EventApprovalForAll       EventKind = "approval_for_all"
	EventOwnershipTransferred EventKind = "ownership_transferred"
)

// Event is an immutable audit record. Seq is assigned by the store when
// the event is appended inside the transaction that caused it.
type Event struct {
	Seq       uint64                 `json:"seq" db:"seq"`
	ID        uuid.UUID              `json:"id" db:"id"`
	Kind      EventKind              `json:"kind" db:"kind"`
	Epoch     uint64                 `json:"epoch" db:"epoch"`
	PoolID    uint64                 `json:"pool_id,omitempty" db:"pool_id"`
	Identity  common.Address         `json:"identity" db:"identity"`
	LockID    uint64                 `json:"lock_id,omitempty" db:"lock_id"`
	OptionID  uint64                 `json:"option_id,omitempty" db:"option_id"`
	Token     common.Address         `json:"token,omitempty" db:"token"`
	Amounts   map[string]sdkmath.Int `json:"amounts,omitempty" db:"amounts"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

// Units renders a base-unit amount in whole tokens.
func Units(x sdkmath.Int) decimal.Decimal {
	if x.IsNil() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.BigInt(), -UnitDecimals)
}

// IntOrZero returns x, or zero when x was never initialized.
func IntOrZero(x sdkmath.Int) sdkmath.Int {
	if x.IsNil() {
		return sdkmath.ZeroInt()
	}
	return x
}
