// Package broker is the option broker core: it turns active lock positions
// into discounted options through the twAML curve, advances reward epochs,
// and settles option exercise.
//
// Every mutating operation holds the broker mutex for its whole duration
// and commits its ledger writes and journal events in a single store
// transaction. Capability reads (locks, pools, oracle rates) happen before
// the transaction starts, so a failing capability leaves state untouched.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/emission"
	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
	"github.com/atmx/option-broker/internal/twaml"
)

// Params are the fixed economic parameters of a broker.
type Params struct {
	// RewardToken is the token minted each epoch and paid out on exercise.
	RewardToken common.Address
	// Holding is the broker-held account: it receives emissions and
	// payments, and pays rewards.
	Holding common.Address

	RewardOracle     string
	RewardOracleData []byte

	Curve    *twaml.Curve
	Schedule emission.Schedule
}

// Deps are the capabilities the broker is constructed with.
type Deps struct {
	Store   store.Store
	Locks   LockSource
	Pools   PoolSource
	Oracles RateSource
	Tokens  TokenLedger
	Clock   clock.Clock
	// Events is optional.
	Events EventSink
	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// Broker serializes all mutations behind mu.
type Broker struct {
	params  Params
	store   store.Store
	locks   LockSource
	pools   PoolSource
	oracles RateSource
	tokens  TokenLedger
	clock   clock.Clock
	events  EventSink
	log     *slog.Logger
	mu      sync.Mutex
}

// New validates params and deps and returns a broker.
func New(params Params, deps Deps) (*Broker, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("broker: store is required")
	case deps.Locks == nil:
		return nil, errors.New("broker: lock registry is required")
	case deps.Pools == nil:
		return nil, errors.New("broker: pool registry is required")
	case deps.Oracles == nil:
		return nil, errors.New("broker: oracle source is required")
	case deps.Tokens == nil:
		return nil, errors.New("broker: token ledger is required")
	case deps.Clock == nil:
		return nil, errors.New("broker: clock is required")
	}
	if params.Holding == (common.Address{}) {
		return nil, errors.New("broker: holding address is required")
	}
	if params.Curve == nil {
		params.Curve = twaml.DefaultCurve()
	}
	if params.Schedule.Initial.IsNil() {
		return nil, errors.New("broker: emission schedule is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		params:  params,
		store:   deps.Store,
		locks:   deps.Locks,
		pools:   deps.Pools,
		oracles: deps.Oracles,
		tokens:  deps.Tokens,
		clock:   deps.Clock,
		events:  deps.Events,
		log:     log,
	}, nil
}

// Params returns the broker parameters.
func (b *Broker) Params() Params { return b.params }

// Init seeds the admin state on first start. A ledger that already has an
// owner keeps it; ErrAlreadyInitialized reports a differing owner.
func (b *Broker) Init(ctx context.Context, owner, beneficiary common.Address) error {
	if owner == (common.Address{}) {
		return errors.New("broker: owner is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commit(ctx, "init", func(tx store.Tx, j *journal) error {
		admin, err := tx.Admin()
		if err != nil {
			return err
		}
		if admin.Initialized() {
			if admin.Owner != owner {
				return fmt.Errorf("%w: ledger owner is %s", model.ErrAlreadyInitialized, admin.Owner.Hex())
			}
			return nil
		}
		if err := tx.PutAdmin(model.AdminState{Owner: owner, Beneficiary: beneficiary}); err != nil {
			return err
		}
		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		if err := tx.PutEpoch(epoch); err != nil {
			return err
		}
		return j.add(model.Event{Kind: model.EventOwnershipTransferred, Identity: owner, Epoch: epoch.Number})
	})
}

// journal collects the events of one transaction.
type journal struct {
	tx     store.Tx
	b      *Broker
	events []model.Event
}

func (j *journal) add(e model.Event) error {
	e.Timestamp = j.b.clock.Now()
	if err := j.tx.AppendEvent(&e); err != nil {
		return fmt.Errorf("broker: journal %s: %w", e.Kind, err)
	}
	j.events = append(j.events, e)
	return nil
}

// commit runs fn in one store transaction and publishes its events once
// the transaction is durable. Caller holds b.mu.
func (b *Broker) commit(ctx context.Context, op string, fn func(tx store.Tx, j *journal) error) error {
	var committed []model.Event
	err := b.store.Update(ctx, func(tx store.Tx) error {
		j := &journal{tx: tx, b: b}
		if err := fn(tx, j); err != nil {
			return err
		}
		committed = j.events
		return nil
	})
	if err != nil {
		metrics.OperationFailures.WithLabelValues(op, string(model.KindOf(err))).Inc()
		return err
	}
	b.publish(ctx, committed)
	return nil
}

func (b *Broker) fail(op string, err error) error {
	metrics.OperationFailures.WithLabelValues(op, string(model.KindOf(err))).Inc()
	return err
}

func (b *Broker) publish(ctx context.Context, events []model.Event) {
	if b.events == nil {
		return
	}
	for _, e := range events {
		if err := b.events.Publish(ctx, e); err != nil {
			b.log.Warn("event publish failed", "seq", e.Seq, "kind", e.Kind, "err", err)
		}
	}
}

func (b *Broker) requireAdmin(tx store.Tx, caller common.Address) (model.AdminState, error) {
	admin, err := tx.Admin()
	if err != nil {
		return admin, err
	}
	if !admin.Initialized() || caller != admin.Owner {
		return admin, model.ErrNotAuthorized
	}
	return admin, nil
}
