package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atmx/option-broker/internal/model"
)

var (
	bucketPools          = []byte("pools")
	bucketParticipations = []byte("participations")
	bucketOptions        = []byte("options")
	bucketOperators      = []byte("operators")
	bucketGauges         = []byte("gauges")
	bucketPaymentTokens  = []byte("payment_tokens")
	bucketBalances       = []byte("balances")
	bucketAllowances     = []byte("allowances")
	bucketEvents         = []byte("events")
	bucketMeta           = []byte("meta")

	allBuckets = [][]byte{
		bucketPools, bucketParticipations, bucketOptions, bucketOperators,
		bucketGauges, bucketPaymentTokens, bucketBalances, bucketAllowances,
		bucketEvents, bucketMeta,
	}

	keyEpoch     = []byte("epoch")
	keyAdmin     = []byte("admin")
	keyOptionSeq = []byte("option_seq")
	keyEventSeq  = []byte("event_seq")
)

// kv is the raw bucketed byte store a transaction runs on.
type kv interface {
	get(bucket, key []byte) []byte
	put(bucket, key, value []byte) error
	del(bucket, key []byte) error
	// scan visits keys with the given prefix that are >= from, in order,
	// until fn returns false.
	scan(bucket, prefix, from []byte, fn func(k, v []byte) bool) error
}

// ledgerTx implements Tx over a kv with JSON values.
type ledgerTx struct {
	kv kv
}

// Compile-time interface check.
var _ Tx = (*ledgerTx)(nil)

func u64Key(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func (t *ledgerTx) getJSON(bucket, key []byte, v any) (bool, error) {
	data := t.kv.get(bucket, key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: decode %s/%x: %w", bucket, key, err)
	}
	return true, nil
}

func (t *ledgerTx) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%x: %w", bucket, key, err)
	}
	return t.kv.put(bucket, key, data)
}

func (t *ledgerTx) getInt(bucket, key []byte) (sdkmath.Int, error) {
	x := sdkmath.ZeroInt()
	if _, err := t.getJSON(bucket, key, &x); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return model.IntOrZero(x), nil
}

func (t *ledgerTx) putInt(bucket, key []byte, x sdkmath.Int) error {
	if x.IsZero() {
		return t.kv.del(bucket, key)
	}
	return t.putJSON(bucket, key, x)
}

func (t *ledgerTx) nextSeq(key []byte) (uint64, error) {
	var seq uint64
	if data := t.kv.get(bucketMeta, key); data != nil {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	if err := t.kv.put(bucketMeta, key, u64Key(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

// --- Pools ---

func (t *ledgerTx) Pool(id uint64) (model.PoolAggregate, bool, error) {
	p := model.NewPoolAggregate(id)
	ok, err := t.getJSON(bucketPools, u64Key(id), &p)
	return p, ok, err
}

func (t *ledgerTx) PutPool(p model.PoolAggregate) error {
	return t.putJSON(bucketPools, u64Key(p.PoolID), p)
}

// --- Participations ---

func participationKey(owner common.Address, poolID uint64) []byte {
	return join(owner.Bytes(), u64Key(poolID))
}

func (t *ledgerTx) Participation(owner common.Address, poolID uint64) (model.Participation, bool, error) {
	var p model.Participation
	ok, err := t.getJSON(bucketParticipations, participationKey(owner, poolID), &p)
	return p, ok, err
}

func (t *ledgerTx) PutParticipation(p model.Participation) error {
	return t.putJSON(bucketParticipations, participationKey(p.Owner, p.PoolID), p)
}

func (t *ledgerTx) DeleteParticipation(owner common.Address, poolID uint64) error {
	return t.kv.del(bucketParticipations, participationKey(owner, poolID))
}

// --- Options ---

func (t *ledgerTx) Option(id uint64) (model.Option, bool, error) {
	var o model.Option
	ok, err := t.getJSON(bucketOptions, u64Key(id), &o)
	return o, ok, err
}

func (t *ledgerTx) PutOption(o model.Option) error {
	return t.putJSON(bucketOptions, u64Key(o.ID), o)
}

func (t *ledgerTx) NextOptionID() (uint64, error) {
	return t.nextSeq(keyOptionSeq)
}

func (t *ledgerTx) OperatorApproved(owner, operator common.Address) (bool, error) {
	return t.kv.get(bucketOperators, join(owner.Bytes(), operator.Bytes())) != nil, nil
}

func (t *ledgerTx) SetOperatorApproval(owner, operator common.Address, approved bool) error {
	k := join(owner.Bytes(), operator.Bytes())
	if !approved {
		return t.kv.del(bucketOperators, k)
	}
	return t.kv.put(bucketOperators, k, []byte{1})
}

// --- Epochs and gauges ---

func (t *ledgerTx) Epoch() (model.EpochState, error) {
	e := model.NewEpochState()
	_, err := t.getJSON(bucketMeta, keyEpoch, &e)
	return e, err
}

func (t *ledgerTx) PutEpoch(e model.EpochState) error {
	return t.putJSON(bucketMeta, keyEpoch, e)
}

func gaugeKey(k model.GaugeKey) []byte {
	return join(u64Key(k.Epoch), u64Key(k.PoolID))
}

func (t *ledgerTx) Gauge(key model.GaugeKey) (sdkmath.Int, bool, error) {
	x := sdkmath.ZeroInt()
	ok, err := t.getJSON(bucketGauges, gaugeKey(key), &x)
	return model.IntOrZero(x), ok, err
}

func (t *ledgerTx) PutGauge(g model.Gauge) error {
	k := gaugeKey(g.GaugeKey)
	if t.kv.get(bucketGauges, k) != nil {
		return fmt.Errorf("%w: epoch %d pool %d", ErrGaugeExists, g.Epoch, g.PoolID)
	}
	return t.putJSON(bucketGauges, k, g.Amount)
}

func (t *ledgerTx) Gauges(epoch uint64) ([]model.Gauge, error) {
	prefix := u64Key(epoch)
	var (
		out     []model.Gauge
		scanErr error
	)
	err := t.kv.scan(bucketGauges, prefix, prefix, func(k, v []byte) bool {
		amount := sdkmath.ZeroInt()
		if err := json.Unmarshal(v, &amount); err != nil {
			scanErr = fmt.Errorf("store: decode gauge %x: %w", k, err)
			return false
		}
		out = append(out, model.Gauge{
			GaugeKey: model.GaugeKey{Epoch: epoch, PoolID: binary.BigEndian.Uint64(k[8:])},
			Amount:   amount,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// --- Admin configuration ---

func (t *ledgerTx) PaymentToken(token common.Address) (model.PaymentToken, bool, error) {
	p := model.PaymentToken{Token: token}
	ok, err := t.getJSON(bucketPaymentTokens, token.Bytes(), &p)
	return p, ok, err
}

func (t *ledgerTx) PutPaymentToken(p model.PaymentToken) error {
	return t.putJSON(bucketPaymentTokens, p.Token.Bytes(), p)
}

func (t *ledgerTx) Admin() (model.AdminState, error) {
	var a model.AdminState
	_, err := t.getJSON(bucketMeta, keyAdmin, &a)
	return a, err
}

func (t *ledgerTx) PutAdmin(a model.AdminState) error {
	return t.putJSON(bucketMeta, keyAdmin, a)
}

// --- Balances ---

func (t *ledgerTx) Balance(token, holder common.Address) (sdkmath.Int, error) {
	return t.getInt(bucketBalances, join(token.Bytes(), holder.Bytes()))
}

func (t *ledgerTx) SetBalance(token, holder common.Address, amount sdkmath.Int) error {
	return t.putInt(bucketBalances, join(token.Bytes(), holder.Bytes()), amount)
}

func (t *ledgerTx) Allowance(token, owner, spender common.Address) (sdkmath.Int, error) {
	return t.getInt(bucketAllowances, join(token.Bytes(), owner.Bytes(), spender.Bytes()))
}

func (t *ledgerTx) SetAllowance(token, owner, spender common.Address, amount sdkmath.Int) error {
	return t.putInt(bucketAllowances, join(token.Bytes(), owner.Bytes(), spender.Bytes()), amount)
}

// --- Events ---

func (t *ledgerTx) AppendEvent(e *model.Event) error {
	seq, err := t.nextSeq(keyEventSeq)
	if err != nil {
		return err
	}
	e.Seq = seq
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return t.putJSON(bucketEvents, u64Key(seq), e)
}

func (t *ledgerTx) Events(afterSeq uint64, limit int) ([]model.Event, error) {
	if afterSeq == math.MaxUint64 {
		return nil, nil
	}
	var (
		out     []model.Event
		scanErr error
	)
	err := t.kv.scan(bucketEvents, nil, u64Key(afterSeq+1), func(k, v []byte) bool {
		var e model.Event
		if err := json.Unmarshal(v, &e); err != nil {
			scanErr = fmt.Errorf("store: decode event %x: %w", k, err)
			return false
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}
