package twaml

import (
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/atmx/option-broker/internal/model"
)

// Entry is what a join contributed to a pool. Leave reverses exactly these
// values, which makes a join followed by its leave an identity on the pool.
type Entry struct {
	HasVotingPower bool
	Deposited      sdkmath.Int
	Magnitude      sdkmath.Int
	Discount       uint64
	// Contribution is the pool average after the join; it is what was added
	// to the cumulative magnitude.
	Contribution sdkmath.Int
	PriorAverage sdkmath.Int
}

// Join applies one participant to agg. Voting power is judged against the
// totals before the join. A participant without voting power moves only
// the participant count and deposited total, and gets a zero discount.
func (c *Curve) Join(agg model.PoolAggregate, deposited sdkmath.Int, lockDuration time.Duration) (model.PoolAggregate, Entry, error) {
	entry := Entry{
		HasVotingPower: c.HasVotingPower(deposited, agg.TotalDeposited),
		Deposited:      deposited,
		Magnitude:      sdkmath.ZeroInt(),
		Contribution:   sdkmath.ZeroInt(),
		PriorAverage:   agg.AverageMagnitude,
	}

	next := agg
	next.TotalParticipants++
	next.TotalDeposited = agg.TotalDeposited.Add(deposited)
	if !entry.HasVotingPower {
		return next, entry, nil
	}

	mag, err := c.Magnitude(lockDuration, agg.Cumulative)
	if err != nil {
		return agg, Entry{}, err
	}
	discount, err := c.Discount(mag, agg.AverageMagnitude)
	if err != nil {
		return agg, Entry{}, err
	}
	avg := AverageMagnitude(mag, agg.AverageMagnitude, next.TotalParticipants)

	next.AverageMagnitude = avg
	next.Cumulative = agg.Cumulative.Add(avg)

	entry.Magnitude = mag
	entry.Discount = discount
	entry.Contribution = avg
	return next, entry, nil
}

// Leave removes a participant's recorded entry from agg. The pool average
// is restored to its pre-join value when nobody moved it since that join.
func Leave(agg model.PoolAggregate, entry Entry) model.PoolAggregate {
	next := agg
	if next.TotalParticipants > 0 {
		next.TotalParticipants--
	}
	next.TotalDeposited = subFloor(agg.TotalDeposited, entry.Deposited)
	if !entry.HasVotingPower {
		return next
	}
	next.Cumulative = subFloor(agg.Cumulative, entry.Contribution)
	if agg.AverageMagnitude.Equal(entry.Contribution) && !entry.PriorAverage.IsNil() {
		next.AverageMagnitude = entry.PriorAverage
	}
	return next
}

// EntryOf rebuilds the join entry from a stored participation.
func EntryOf(p model.Participation) Entry {
	return Entry{
		HasVotingPower: p.HasVotingPower,
		Deposited:      model.IntOrZero(p.Deposited),
		Magnitude:      model.IntOrZero(p.Magnitude),
		Discount:       p.Discount,
		Contribution:   model.IntOrZero(p.AverageMagnitude),
		PriorAverage:   model.IntOrZero(p.PriorAverage),
	}
}

func subFloor(a, b sdkmath.Int) sdkmath.Int {
	if b.GTE(a) {
		return sdkmath.ZeroInt()
	}
	return a.Sub(b)
}
