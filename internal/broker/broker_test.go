package broker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/option-broker/internal/broker"
	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/emission"
	"github.com/atmx/option-broker/internal/events"
	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/oracle"
	"github.com/atmx/option-broker/internal/registry"
	"github.com/atmx/option-broker/internal/store"
	"github.com/atmx/option-broker/internal/token"
	"github.com/atmx/option-broker/internal/twaml"
)

var (
	owner       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000be")
	holding     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol       = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	rewardToken = common.HexToAddress("0x00000000000000000000000000000000000007a9")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	dai         = common.HexToAddress("0x00000000000000000000000000000000000000da")
)

const week = 7 * 24 * time.Hour

var start = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func n(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

// e18 is v whole tokens.
func e18(v int64) sdkmath.Int { return model.Unit.MulRaw(v) }

type env struct {
	b        *broker.Broker
	st       store.Store
	bank     *token.Bank
	locks    *registry.LockRegistry
	pools    *registry.PoolRegistry
	oracles  *oracle.Registry
	clk      *clock.Manual
	recorder *events.Recorder
}

// newEnv builds a broker with pool 1 (weight 2) and pool 2 (weight 1), a
// flat 3-token epoch budget, reward valued at 1.0 and USDC at rate 2.
func newEnv(t *testing.T, st store.Store) *env {
	t.Helper()
	clk := clock.NewManual(start)
	pools := registry.NewPoolRegistry()
	pools.RegisterPool(1, 2)
	pools.RegisterPool(2, 1)
	oracles := oracle.NewRegistry()
	oracles.Register("reward", oracle.NewStatic(model.Unit))
	oracles.Register("usdc", oracle.NewStatic(n(2)))
	rec := events.NewRecorder()
	schedule, err := emission.NewSchedule(e18(3), 0)
	require.NoError(t, err)

	e := &env{
		st:       st,
		bank:     token.NewBank(),
		locks:    registry.NewLockRegistry(clk, pools),
		pools:    pools,
		oracles:  oracles,
		clk:      clk,
		recorder: rec,
	}
	e.b, err = broker.New(broker.Params{
		RewardToken:  rewardToken,
		Holding:      holding,
		RewardOracle: "reward",
		Curve:        twaml.DefaultCurve(),
		Schedule:     schedule,
	}, broker.Deps{
		Store:   st,
		Locks:   e.locks,
		Pools:   pools,
		Oracles: oracles,
		Tokens:  e.bank,
		Clock:   clk,
		Events:  rec,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.b.Init(ctx, owner, beneficiary))
	require.NoError(t, e.b.SetPaymentToken(ctx, owner, usdc, "usdc", nil))
	return e
}

func (e *env) lock(t *testing.T, who common.Address, pool uint64, amount sdkmath.Int, d time.Duration) model.LockPosition {
	t.Helper()
	l, err := e.locks.Lock(who, pool, amount, d)
	require.NoError(t, err)
	return l
}

func (e *env) fundAndApprove(t *testing.T, tok, who common.Address, amount sdkmath.Int) {
	t.Helper()
	require.NoError(t, e.st.Update(context.Background(), func(tx store.Tx) error {
		if err := e.bank.Mint(tx, tok, who, amount); err != nil {
			return err
		}
		return e.bank.Approve(tx, tok, who, holding, amount)
	}))
}

func (e *env) balance(t *testing.T, tok, who common.Address) sdkmath.Int {
	t.Helper()
	bal, err := e.b.Balance(context.Background(), tok, who)
	require.NoError(t, err)
	return bal
}

func (e *env) pool(t *testing.T, id uint64) model.PoolAggregate {
	t.Helper()
	p, err := e.b.Pool(context.Background(), id)
	require.NoError(t, err)
	return p
}

func assertPoolEqual(t *testing.T, want, got model.PoolAggregate) {
	t.Helper()
	assert.Equal(t, want.TotalParticipants, got.TotalParticipants, "participants")
	assert.True(t, want.TotalDeposited.Equal(got.TotalDeposited), "deposited %s != %s", want.TotalDeposited, got.TotalDeposited)
	assert.True(t, want.Cumulative.Equal(got.Cumulative), "cumulative %s != %s", want.Cumulative, got.Cumulative)
	assert.True(t, want.AverageMagnitude.Equal(got.AverageMagnitude), "average %s != %s", want.AverageMagnitude, got.AverageMagnitude)
}

func stores() map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"bolt": func(t *testing.T) store.Store {
			st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return st
		},
	}
}

// --- Scenario: proportional split of a pool gauge ---

func TestScenario_TwoParticipantsShareGauge(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, mk(t))
			ctx := context.Background()

			la := e.lock(t, alice, 1, n(3e8), 4*week)
			lb := e.lock(t, bob, 1, n(1e8), 4*week)
			optA, err := e.b.Participate(ctx, alice, la.ID)
			require.NoError(t, err)
			optB, err := e.b.Participate(ctx, bob, lb.ID)
			require.NoError(t, err)

			epoch, err := e.b.NewEpoch(ctx, carol)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), epoch.Number)

			gauges, err := e.b.Gauges(ctx, 1)
			require.NoError(t, err)
			require.Len(t, gauges, 2)
			gauge := gauges[0].Amount
			assert.Equal(t, uint64(1), gauges[0].PoolID)
			assert.True(t, gauge.Equal(e18(2)), "pool 1 gets 2/3 of the budget, got %s", gauge)
			assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(3)))

			e.fundAndApprove(t, usdc, alice, e18(1000))
			e.fundAndApprove(t, usdc, bob, e18(1000))

			sa, err := e.b.ExerciseOption(ctx, alice, optA.ID, usdc)
			require.NoError(t, err)
			sb, err := e.b.ExerciseOption(ctx, bob, optB.ID, usdc)
			require.NoError(t, err)

			assert.True(t, sa.EligibleReward.Equal(gauge.MulRaw(3).QuoRaw(4)), "alice gets 0.75 of gauge, got %s", sa.EligibleReward)
			assert.True(t, sb.EligibleReward.Equal(gauge.QuoRaw(4)), "bob gets 0.25 of gauge, got %s", sb.EligibleReward)
			assert.True(t, sa.EligibleReward.Add(sb.EligibleReward).Equal(gauge))

			assert.True(t, e.balance(t, rewardToken, alice).Equal(sa.EligibleReward))
			assert.True(t, e.balance(t, rewardToken, bob).Equal(sb.EligibleReward))
			assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(1)), "pool 2 share stays held")

			// payment = otc * rate * discount / 10000, otc == eligible at valuation 1.0
			wantA := sa.EligibleReward.MulRaw(2).Mul(sdkmath.NewIntFromUint64(optA.Discount)).QuoRaw(10000)
			assert.True(t, sa.PaymentAmount.Equal(wantA), "payment %s != %s", sa.PaymentAmount, wantA)
			assert.True(t, e.balance(t, usdc, holding).Equal(sa.PaymentAmount.Add(sb.PaymentAmount)))
			assert.True(t, e.balance(t, usdc, alice).Equal(e18(1000).Sub(sa.PaymentAmount)))

			got, err := e.b.Option(ctx, optA.ID)
			require.NoError(t, err)
			assert.True(t, got.Exercised)
			assert.Equal(t, uint64(1), got.ExercisedEpoch)
		})
	}
}

// --- Participation ---

func TestParticipate_FirstJoinGetsMaxDiscount(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(1e8), week)
	opt, err := e.b.Participate(context.Background(), alice, l.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(twaml.DefaultMaxDiscountBps), opt.Discount)
	assert.Equal(t, l.Expiry, opt.Expiry)
	assert.Equal(t, alice, opt.Owner)

	p, err := e.b.Participation(context.Background(), alice, 1)
	require.NoError(t, err)
	assert.True(t, p.HasVotingPower)
	assert.Equal(t, opt.ID, p.OptionID)

	agg := e.pool(t, 1)
	assert.Equal(t, uint64(1), agg.TotalParticipants)
	assert.Equal(t, "604800", agg.AverageMagnitude.String())
}

func TestParticipate_UnknownOrInactiveLock(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()

	_, err := e.b.Participate(ctx, alice, 404)
	assert.ErrorIs(t, err, model.ErrLockNotActive)

	l := e.lock(t, alice, 1, n(1e8), week)
	e.clk.Advance(week)
	require.NoError(t, e.locks.Unlock(alice, l.ID))
	_, err = e.b.Participate(ctx, alice, l.ID)
	assert.ErrorIs(t, err, model.ErrLockNotActive)
}

func TestParticipate_NotAuthorized(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(1e8), week)
	_, err := e.b.Participate(context.Background(), bob, l.ID)
	assert.ErrorIs(t, err, model.ErrNotAuthorized)
	assert.Equal(t, uint64(0), e.pool(t, 1).TotalParticipants)
}

func TestParticipate_ApprovedOperatorReceivesOption(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(1e8), week)
	require.NoError(t, e.locks.Approve(alice, bob, l.ID))

	opt, err := e.b.Participate(context.Background(), bob, l.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, opt.Owner)

	_, err = e.b.Participation(context.Background(), alice, 1)
	require.NoError(t, err, "participation is keyed by the lock owner")
}

func TestParticipate_AlreadyParticipating(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	l1 := e.lock(t, alice, 1, n(1e8), week)
	l2 := e.lock(t, alice, 1, n(2e8), week)

	_, err := e.b.Participate(ctx, alice, l1.ID)
	require.NoError(t, err)
	_, err = e.b.Participate(ctx, alice, l1.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyParticipating)
	_, err = e.b.Participate(ctx, alice, l2.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyParticipating)

	// A different pool is a separate participation.
	l3 := e.lock(t, alice, 2, n(1e8), week)
	_, err = e.b.Participate(ctx, alice, l3.ID)
	assert.NoError(t, err)
}

type stubLocks struct {
	lock model.LockPosition
}

func (s stubLocks) GetLock(context.Context, uint64) (model.LockPosition, error) { return s.lock, nil }
func (s stubLocks) IsOwnerOrApproved(_ context.Context, who common.Address, _ uint64) (bool, error) {
	return who == s.lock.Owner, nil
}

func TestParticipate_PoolNotFound(t *testing.T) {
	schedule, _ := emission.NewSchedule(e18(1), 0)
	b, err := broker.New(broker.Params{Holding: holding, Schedule: schedule}, broker.Deps{
		Store: store.NewMemoryStore(),
		Locks: stubLocks{lock: model.LockPosition{
			ID: 1, Owner: alice, PoolID: 99, Deposited: n(1), LockDuration: week,
			Expiry: start.Add(week), Active: true,
		}},
		Pools:   registry.NewPoolRegistry(),
		Oracles: oracle.NewRegistry(),
		Tokens:  token.NewBank(),
		Clock:   clock.NewManual(start),
	})
	require.NoError(t, err)
	_, err = b.Participate(context.Background(), alice, 1)
	assert.ErrorIs(t, err, model.ErrPoolNotFound)
}

func TestParticipate_BelowVotingThreshold(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	big := e.lock(t, alice, 1, n(1e8), week)
	_, err := e.b.Participate(ctx, alice, big.ID)
	require.NoError(t, err)
	before := e.pool(t, 1)

	small := e.lock(t, bob, 1, n(1e8/1000-1), 52*week)
	opt, err := e.b.Participate(ctx, bob, small.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), opt.Discount)

	after := e.pool(t, 1)
	assert.Equal(t, before.TotalParticipants+1, after.TotalParticipants)
	assert.True(t, after.TotalDeposited.Equal(before.TotalDeposited.Add(small.Deposited)))
	assert.True(t, after.Cumulative.Equal(before.Cumulative))
	assert.True(t, after.AverageMagnitude.Equal(before.AverageMagnitude))

	p, err := e.b.Participation(ctx, bob, 1)
	require.NoError(t, err)
	assert.False(t, p.HasVotingPower)
}

// --- Exit ---

func TestExitPosition_BeforeExpiry(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(1e8), week)
	_, err := e.b.Participate(context.Background(), alice, l.ID)
	require.NoError(t, err)

	e.clk.Advance(week - time.Second)
	err = e.b.ExitPosition(context.Background(), alice, l.ID)
	assert.ErrorIs(t, err, model.ErrLockNotExpired)
}

func TestExitPosition_NeverJoinedIsNoop(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	other := e.lock(t, bob, 1, n(5e8), week)
	_, err := e.b.Participate(ctx, bob, other.ID)
	require.NoError(t, err)
	before := e.pool(t, 1)
	seen := len(e.recorder.Events())

	l := e.lock(t, alice, 1, n(1e8), week)
	e.clk.Advance(week)
	require.NoError(t, e.b.ExitPosition(ctx, alice, l.ID))

	assertPoolEqual(t, before, e.pool(t, 1))
	assert.Len(t, e.recorder.Events(), seen, "no-op exit journals nothing")
}

func TestExitPosition_NotAuthorized(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(1e8), week)
	e.clk.Advance(week)
	err := e.b.ExitPosition(context.Background(), bob, l.ID)
	assert.ErrorIs(t, err, model.ErrNotAuthorized)
}

func TestExitPosition_ReversesAndKeepsOption(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	empty := e.pool(t, 1)

	l := e.lock(t, alice, 1, n(3e8), week)
	opt, err := e.b.Participate(ctx, alice, l.ID)
	require.NoError(t, err)

	e.clk.Advance(week)
	require.NoError(t, e.b.ExitPosition(ctx, alice, l.ID))
	assertPoolEqual(t, empty, e.pool(t, 1))

	_, err = e.b.Participation(ctx, alice, 1)
	assert.ErrorIs(t, err, model.ErrNotParticipating)

	got, err := e.b.Option(ctx, opt.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Owner)
	assert.False(t, got.Exercised)

	// Re-entry with a fresh lock is allowed after exit.
	l2 := e.lock(t, alice, 1, n(1e8), week)
	_, err = e.b.Participate(ctx, alice, l2.ID)
	assert.NoError(t, err)
}

func TestExitPosition_LIFORestoresPool(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	who := []common.Address{alice, bob, carol, owner, beneficiary}
	amounts := []int64{3e8, 1e8, 7e8, 5e4, 2e9}
	durations := []time.Duration{week, 3 * week, 2 * week, week, 52 * week}

	snapshots := []model.PoolAggregate{e.pool(t, 1)}
	var locks []model.LockPosition
	for i := range who {
		l := e.lock(t, who[i], 1, n(amounts[i]), durations[i])
		_, err := e.b.Participate(ctx, who[i], l.ID)
		require.NoError(t, err)
		locks = append(locks, l)
		snapshots = append(snapshots, e.pool(t, 1))
	}

	e.clk.Advance(53 * week)
	for i := len(locks) - 1; i >= 0; i-- {
		require.NoError(t, e.b.ExitPosition(ctx, who[i], locks[i].ID))
		assertPoolEqual(t, snapshots[i], e.pool(t, 1))
	}
}

// --- Epochs ---

func TestNewEpoch_NoActivePools(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	require.NoError(t, e.pools.UnregisterPool(1))
	require.NoError(t, e.pools.UnregisterPool(2))
	_, err := e.b.NewEpoch(context.Background(), alice)
	assert.ErrorIs(t, err, model.ErrNoActivePools)
	assert.Equal(t, model.KindUnsupported, model.KindOf(err))
}

func TestNewEpoch_OracleFailureChangesNothing(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.oracles.Register("reward", oracle.Unavailable{})

	_, err := e.b.NewEpoch(context.Background(), alice)
	assert.ErrorIs(t, err, model.ErrOracleUnavailable)

	epoch, err := e.b.Epoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), epoch.Number)
	assert.True(t, e.balance(t, rewardToken, holding).IsZero())
}

func TestNewEpoch_RemainderStaysUnallocated(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.pools.RegisterPool(3, 4)
	ctx := context.Background()

	_, err := e.b.NewEpoch(ctx, alice)
	require.NoError(t, err)
	gauges, err := e.b.Gauges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gauges, 3)

	weights := map[uint64]int64{1: 2, 2: 1, 3: 4}
	sum := sdkmath.ZeroInt()
	for _, g := range gauges {
		want := e18(3).MulRaw(weights[g.PoolID]).QuoRaw(7)
		assert.True(t, g.Amount.Equal(want), "pool %d got %s, want %s", g.PoolID, g.Amount, want)
		sum = sum.Add(g.Amount)
	}
	assert.True(t, sum.LT(e18(3)))
	assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(3)), "full budget is minted")
}

func TestNewEpoch_ZeroWeightCountsAsOne(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.pools.RegisterPool(3, 0)
	require.NoError(t, e.pools.SetWeight(1, 1))
	ctx := context.Background()

	_, err := e.b.NewEpoch(ctx, alice)
	require.NoError(t, err)
	gauges, err := e.b.Gauges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gauges, 3)
	for _, g := range gauges {
		assert.True(t, g.Amount.Equal(e18(1)), "pool %d got %s", g.PoolID, g.Amount)
	}
}

func TestNewEpoch_NoCooldownAndFreshGauges(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ep, err := e.b.NewEpoch(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ep.Number)
	}
	assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(9)))
	gs, err := e.b.Gauges(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, gs, 2)
}

// --- Exercise ---

func setupExercisable(t *testing.T, e *env) model.Option {
	t.Helper()
	ctx := context.Background()
	l := e.lock(t, alice, 1, n(3e8), 4*week)
	opt, err := e.b.Participate(ctx, alice, l.ID)
	require.NoError(t, err)
	_, err = e.b.NewEpoch(ctx, carol)
	require.NoError(t, err)
	return opt
}

func TestExercise_UnsupportedPaymentToken(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	_, err := e.b.ExerciseOption(context.Background(), alice, opt.ID, dai)
	assert.ErrorIs(t, err, model.ErrPaymentTokenNotSupported)

	// Disabling a token with an empty oracle reference.
	require.NoError(t, e.b.SetPaymentToken(context.Background(), owner, usdc, "", nil))
	_, err = e.b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrPaymentTokenNotSupported)
}

func TestExercise_AuthorizationCheckedFirst(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	_, err := e.b.ExerciseOption(context.Background(), bob, opt.ID, dai)
	assert.ErrorIs(t, err, model.ErrNotAuthorized)
}

func TestExercise_UnknownOption(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	_, err := e.b.ExerciseOption(context.Background(), alice, 77, usdc)
	assert.ErrorIs(t, err, model.ErrOptionNotFound)
}

func TestExercise_Expired(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))

	e.clk.Set(opt.Expiry.Add(time.Second))
	_, err := e.b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrOptionExpired)
}

func TestExercise_AtExpiryStillAllowed(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))

	e.clk.Set(opt.Expiry)
	_, err := e.b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	assert.NoError(t, err)
}

func TestExercise_Twice(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	ctx := context.Background()

	_, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	require.NoError(t, err)
	_, err = e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrAlreadyExercised)

	// Even after a new epoch mints fresh emission.
	_, err = e.b.NewEpoch(ctx, carol)
	require.NoError(t, err)
	_, err = e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrAlreadyExercised)
}

func TestExercise_NoEmissionBeforeFirstEpoch(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	l := e.lock(t, alice, 1, n(3e8), 4*week)
	opt, err := e.b.Participate(context.Background(), alice, l.ID)
	require.NoError(t, err)
	_, err = e.b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrNoEmission)
}

func TestExercise_InsufficientFundsLeaveStateUnchanged(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, mk(t))
			opt := setupExercisable(t, e)
			ctx := context.Background()

			_, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
			assert.ErrorIs(t, err, model.ErrInsufficientBalance)

			// Balance but no allowance.
			require.NoError(t, e.st.Update(ctx, func(tx store.Tx) error {
				return e.bank.Mint(tx, usdc, alice, e18(100))
			}))
			_, err = e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
			assert.ErrorIs(t, err, model.ErrInsufficientAllowance)
			assert.Equal(t, model.KindInsufficientFunds, model.KindOf(err))

			got, err := e.b.Option(ctx, opt.ID)
			require.NoError(t, err)
			assert.False(t, got.Exercised)
			assert.True(t, e.balance(t, usdc, alice).Equal(e18(100)))
			assert.True(t, e.balance(t, usdc, holding).IsZero())
			assert.True(t, e.balance(t, rewardToken, alice).IsZero())
			assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(3)))
		})
	}
}

func TestExercise_OracleFailureChangesNothing(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	e.oracles.Register("usdc", oracle.Unavailable{})

	_, err := e.b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrOracleUnavailable)
	got, _ := e.b.Option(context.Background(), opt.ID)
	assert.False(t, got.Exercised)
}

func TestExercise_LiveDenominator(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	la := e.lock(t, alice, 1, n(3e8), 4*week)
	optA, err := e.b.Participate(ctx, alice, la.ID)
	require.NoError(t, err)
	_, err = e.b.NewEpoch(ctx, carol)
	require.NoError(t, err)

	q1, err := e.b.Quote(ctx, optA.ID, usdc)
	require.NoError(t, err)
	assert.True(t, q1.EligibleReward.Equal(e18(2)))

	// A join after the epoch started dilutes the share.
	lb := e.lock(t, bob, 1, n(1e8), 4*week)
	_, err = e.b.Participate(ctx, bob, lb.ID)
	require.NoError(t, err)
	q2, err := e.b.Quote(ctx, optA.ID, usdc)
	require.NoError(t, err)
	assert.True(t, q2.EligibleReward.Equal(e18(2).MulRaw(3).QuoRaw(4)))
}

func TestExercise_AfterExitCappedAtGauge(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, mk(t))
			ctx := context.Background()
			la := e.lock(t, alice, 1, n(3e8), 4*week)
			optA, err := e.b.Participate(ctx, alice, la.ID)
			require.NoError(t, err)
			lb := e.lock(t, bob, 1, n(1e8), 4*week)
			_, err = e.b.Participate(ctx, bob, lb.ID)
			require.NoError(t, err)
			_, err = e.b.NewEpoch(ctx, carol)
			require.NoError(t, err)
			e.fundAndApprove(t, usdc, alice, e18(100))

			// At the expiry instant the lock may exit and the option is
			// still exercisable.
			e.clk.Set(la.Expiry)
			require.NoError(t, e.b.ExitPosition(ctx, alice, la.ID))
			assert.True(t, e.pool(t, 1).TotalDeposited.Equal(n(1e8)))

			q, err := e.b.Quote(ctx, optA.ID, usdc)
			require.NoError(t, err)
			assert.True(t, q.EligibleReward.Equal(e18(2)), "quote %s exceeds gauge", q.EligibleReward)

			s, err := e.b.ExerciseOption(ctx, alice, optA.ID, usdc)
			require.NoError(t, err)
			assert.True(t, s.EligibleReward.Equal(e18(2)), "eligible %s exceeds gauge", s.EligibleReward)
			assert.True(t, e.balance(t, rewardToken, alice).Equal(e18(2)))
			// Pool 2's gauge is still held.
			assert.True(t, e.balance(t, rewardToken, holding).Equal(e18(1)))
		})
	}
}

// steppingClock advances the manual clock on every read.
type steppingClock struct {
	m    *clock.Manual
	step time.Duration
}

func (c steppingClock) Now() time.Time {
	c.m.Advance(c.step)
	return c.m.Now()
}

func TestExercise_LatencyMeasuredOnBrokerClock(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	schedule, err := emission.NewSchedule(e18(3), 0)
	require.NoError(t, err)

	b, err := broker.New(broker.Params{
		RewardToken:  rewardToken,
		Holding:      holding,
		RewardOracle: "reward",
		Schedule:     schedule,
	}, broker.Deps{
		Store:   e.st,
		Locks:   e.locks,
		Pools:   e.pools,
		Oracles: e.oracles,
		Tokens:  e.bank,
		Clock:   steppingClock{m: e.clk, step: time.Minute},
	})
	require.NoError(t, err)

	var before, after dto.Metric
	require.NoError(t, metrics.ExerciseLatency.Write(&before))
	_, err = b.ExerciseOption(context.Background(), alice, opt.ID, usdc)
	require.NoError(t, err)
	require.NoError(t, metrics.ExerciseLatency.Write(&after))

	assert.Equal(t, before.GetHistogram().GetSampleCount()+1, after.GetHistogram().GetSampleCount())
	elapsed := after.GetHistogram().GetSampleSum() - before.GetHistogram().GetSampleSum()
	assert.GreaterOrEqual(t, elapsed, time.Minute.Seconds())
}

func TestQuote_MatchesExercise(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	ctx := context.Background()

	q, err := e.b.Quote(ctx, opt.ID, usdc)
	require.NoError(t, err)
	s, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	require.NoError(t, err)
	assert.Equal(t, q.EligibleReward.String(), s.EligibleReward.String())
	assert.Equal(t, q.PaymentAmount.String(), s.PaymentAmount.String())
	assert.Equal(t, q.OTCValue.String(), s.OTCValue.String())

	_, err = e.b.Quote(ctx, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrAlreadyExercised)
}

// --- Option certificates ---

func TestTransferOption(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	ctx := context.Background()

	assert.ErrorIs(t, e.b.TransferOption(ctx, bob, bob, opt.ID), model.ErrNotAuthorized)
	require.NoError(t, e.b.TransferOption(ctx, alice, bob, opt.ID))

	e.fundAndApprove(t, usdc, alice, e18(100))
	_, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	assert.ErrorIs(t, err, model.ErrNotAuthorized)

	e.fundAndApprove(t, usdc, bob, e18(100))
	s, err := e.b.ExerciseOption(ctx, bob, opt.ID, usdc)
	require.NoError(t, err)
	assert.True(t, e.balance(t, rewardToken, bob).Equal(s.EligibleReward))
}

func TestApproveOptionAndOperators(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	ctx := context.Background()

	assert.ErrorIs(t, e.b.ApproveOption(ctx, bob, bob, opt.ID), model.ErrNotAuthorized)
	require.NoError(t, e.b.SetApprovalForAll(ctx, alice, carol, true))
	require.NoError(t, e.b.ApproveOption(ctx, carol, bob, opt.ID))

	got, err := e.b.Option(ctx, opt.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, got.Approved)

	e.fundAndApprove(t, usdc, bob, e18(100))
	_, err = e.b.ExerciseOption(ctx, bob, opt.ID, usdc)
	require.NoError(t, err)
}

// --- Admin ---

func TestAdmin_RequiresOwner(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	assert.ErrorIs(t, e.b.SetPaymentToken(ctx, alice, dai, "usdc", nil), model.ErrNotAuthorized)
	assert.ErrorIs(t, e.b.SetPaymentTokenBeneficiary(ctx, alice, alice), model.ErrNotAuthorized)
	_, err := e.b.CollectPaymentTokens(ctx, alice, []common.Address{usdc})
	assert.ErrorIs(t, err, model.ErrNotAuthorized)
	assert.ErrorIs(t, e.b.TransferOwnership(ctx, alice, alice), model.ErrNotAuthorized)
}

func TestAdmin_CollectSweepsWholeBalance(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	ctx := context.Background()
	s, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	require.NoError(t, err)

	swept, err := e.b.CollectPaymentTokens(ctx, owner, []common.Address{usdc, dai})
	require.NoError(t, err)
	assert.True(t, swept[usdc].Equal(s.PaymentAmount))
	assert.True(t, swept[dai].IsZero())
	assert.True(t, e.balance(t, usdc, beneficiary).Equal(s.PaymentAmount))
	assert.True(t, e.balance(t, usdc, holding).IsZero())
}

func TestAdmin_CollectWithoutBeneficiary(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, e.b.SetPaymentTokenBeneficiary(ctx, owner, common.Address{}))
	_, err := e.b.CollectPaymentTokens(ctx, owner, []common.Address{usdc})
	assert.ErrorIs(t, err, model.ErrBeneficiaryNotSet)
}

func TestAdmin_TransferOwnership(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, e.b.TransferOwnership(ctx, owner, alice))
	assert.ErrorIs(t, e.b.SetPaymentToken(ctx, owner, dai, "usdc", nil), model.ErrNotAuthorized)
	assert.NoError(t, e.b.SetPaymentToken(ctx, alice, dai, "usdc", nil))
}

func TestInit_ExistingOwnerWins(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	assert.NoError(t, e.b.Init(ctx, owner, beneficiary))
	assert.ErrorIs(t, e.b.Init(ctx, alice, beneficiary), model.ErrAlreadyInitialized)
	admin, err := e.b.Admin(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, admin.Owner)
}

// --- Journal ---

func TestEvents_JournaledAndPublished(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	opt := setupExercisable(t, e)
	e.fundAndApprove(t, usdc, alice, e18(100))
	ctx := context.Background()
	_, err := e.b.ExerciseOption(ctx, alice, opt.ID, usdc)
	require.NoError(t, err)

	want := []model.EventKind{
		model.EventOwnershipTransferred,
		model.EventSetPaymentToken,
		model.EventParticipate,
		model.EventNewEpoch,
		model.EventEmission,
		model.EventEmission,
		model.EventExerciseOption,
	}
	assert.Equal(t, want, e.recorder.Kinds())

	journal, err := e.b.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, journal, len(want))
	for i, ev := range journal {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, want[i], ev.Kind)
	}
	last := journal[len(journal)-1]
	assert.Equal(t, alice, last.Identity)
	assert.Equal(t, uint64(1), last.Epoch)
	assert.Contains(t, last.Amounts, "eligible_reward")
}

// --- Concurrency ---

func TestParticipate_ConcurrentJoinsSerialize(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	const joiners = 32

	var lockIDs []uint64
	var owners []common.Address
	for i := 0; i < joiners; i++ {
		who := common.BigToAddress(sdkmath.NewInt(int64(1000 + i)).BigInt())
		l := e.lock(t, who, 1, n(1e8), week)
		lockIDs = append(lockIDs, l.ID)
		owners = append(owners, who)
	}

	var wg sync.WaitGroup
	errs := make(chan error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.b.Participate(ctx, owners[i], lockIDs[i])
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg := e.pool(t, 1)
	assert.Equal(t, uint64(joiners), agg.TotalParticipants)
	assert.True(t, agg.TotalDeposited.Equal(n(joiners*1e8)))
}
