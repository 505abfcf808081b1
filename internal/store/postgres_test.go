package store

import (
	"context"
	"os"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/option-broker/internal/model"
)

func livePostgresJournal(t *testing.T) *PostgresJournal {
	t.Helper()
	dsn := os.Getenv("OPTBROKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OPTBROKER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	j := NewPostgresJournal(pool)
	require.NoError(t, j.Migrate(ctx))
	return j
}

func TestPostgresJournal_Live(t *testing.T) {
	j := livePostgresJournal(t)
	ctx := context.Background()

	// Fresh identity and sequence range so runs against a shared database
	// do not collide.
	id := uuid.New()
	who := common.BytesToAddress(id[:])
	base := uint64(time.Now().UnixNano())
	t.Cleanup(func() {
		j.pool.Exec(context.Background(), `DELETE FROM broker_event_amounts WHERE seq BETWEEN $1 AND $2`, int64(base+1), int64(base+3))
		j.pool.Exec(context.Background(), `DELETE FROM broker_events WHERE seq BETWEEN $1 AND $2`, int64(base+1), int64(base+3))
	})
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	joined := model.Event{
		Seq:       base + 1,
		ID:        uuid.New(),
		Kind:      model.EventParticipate,
		Epoch:     4,
		PoolID:    1,
		Identity:  who,
		LockID:    7,
		OptionID:  3,
		Amounts:   map[string]sdkmath.Int{"deposited": model.Unit.MulRaw(300), "discount_bps": sdkmath.NewInt(5000)},
		Timestamp: ts,
	}
	approved := model.Event{
		Seq:       base + 2,
		ID:        uuid.New(),
		Kind:      model.EventApprovalForAll,
		Epoch:     4,
		Identity:  who,
		Timestamp: ts.Add(time.Minute),
	}
	other := model.Event{
		Seq:       base + 3,
		ID:        uuid.New(),
		Kind:      model.EventNewEpoch,
		Epoch:     5,
		Identity:  alice,
		Amounts:   map[string]sdkmath.Int{"budget": model.Unit},
		Timestamp: ts.Add(time.Hour),
	}
	for _, e := range []model.Event{joined, approved, other} {
		require.NoError(t, j.Publish(ctx, e))
	}

	// Re-publishing a seq keeps the first write.
	replay := joined
	replay.Amounts = map[string]sdkmath.Int{"deposited": sdkmath.NewInt(1)}
	require.NoError(t, j.Publish(ctx, replay))

	got, err := j.ByIdentity(ctx, who)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, joined.Seq, got[0].Seq)
	assert.Equal(t, joined.ID, got[0].ID)
	assert.Equal(t, model.EventParticipate, got[0].Kind)
	assert.Equal(t, uint64(7), got[0].LockID)
	assert.Equal(t, uint64(3), got[0].OptionID)
	assert.True(t, ts.Equal(got[0].Timestamp))
	require.Len(t, got[0].Amounts, 2)
	assert.True(t, got[0].Amounts["deposited"].Equal(model.Unit.MulRaw(300)), "deposited %s", got[0].Amounts["deposited"])
	assert.True(t, got[0].Amounts["discount_bps"].Equal(sdkmath.NewInt(5000)))

	assert.Equal(t, approved.Seq, got[1].Seq)
	assert.Equal(t, model.EventApprovalForAll, got[1].Kind)
	assert.Nil(t, got[1].Amounts)

	stranger := uuid.New()
	none, err := j.ByIdentity(ctx, common.BytesToAddress(stranger[:]))
	require.NoError(t, err)
	assert.Empty(t, none)
}
