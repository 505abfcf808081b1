// Package store defines the ledger persistence boundary of the option broker.
// Every mutation runs inside Update: either all of its writes commit or none
// do. Implementations include bbolt (durable) and in-memory (testing and
// development). PostgreSQL receives a replica of the event journal.
package store

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/model"
)

var (
	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("store: transaction is read-only")

	// ErrGaugeExists is returned when an (epoch, pool) allocation is set twice.
	ErrGaugeExists = errors.New("store: gauge already recorded")
)

// Store runs transactions against the ledger.
type Store interface {
	// Update runs fn in a read-write transaction. A non-nil error from fn
	// discards every write fn made.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the typed view of the ledger inside one transaction.
type Tx interface {
	// --- Pool aggregates ---

	Pool(id uint64) (model.PoolAggregate, bool, error)
	PutPool(p model.PoolAggregate) error

	// --- Participations, keyed by (owner, pool) ---

	Participation(owner common.Address, poolID uint64) (model.Participation, bool, error)
	PutParticipation(p model.Participation) error
	DeleteParticipation(owner common.Address, poolID uint64) error

	// --- Option certificates ---

	Option(id uint64) (model.Option, bool, error)
	PutOption(o model.Option) error
	NextOptionID() (uint64, error)
	OperatorApproved(owner, operator common.Address) (bool, error)
	SetOperatorApproval(owner, operator common.Address, approved bool) error

	// --- Epochs and gauges ---

	Epoch() (model.EpochState, error)
	PutEpoch(e model.EpochState) error
	Gauge(key model.GaugeKey) (sdkmath.Int, bool, error)
	// PutGauge records an allocation; it fails with ErrGaugeExists if the
	// key is already set.
	PutGauge(g model.Gauge) error
	Gauges(epoch uint64) ([]model.Gauge, error)

	// --- Admin configuration ---

	PaymentToken(token common.Address) (model.PaymentToken, bool, error)
	PutPaymentToken(p model.PaymentToken) error
	Admin() (model.AdminState, error)
	PutAdmin(a model.AdminState) error

	// --- Token balances ---

	Balance(token, holder common.Address) (sdkmath.Int, error)
	SetBalance(token, holder common.Address, amount sdkmath.Int) error
	Allowance(token, owner, spender common.Address) (sdkmath.Int, error)
	SetAllowance(token, owner, spender common.Address, amount sdkmath.Int) error

	// --- Event journal ---

	// AppendEvent assigns the next sequence number (and an ID if unset)
	// and records e.
	AppendEvent(e *model.Event) error
	Events(afterSeq uint64, limit int) ([]model.Event, error)
}
