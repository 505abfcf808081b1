package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/option-broker/internal/model"
)

// journalSchema creates the audit tables. Amounts are NUMERIC for exact
// precision; they are written from their decimal string form.
const journalSchema = `
CREATE TABLE IF NOT EXISTS broker_events (
	seq        BIGINT PRIMARY KEY,
	id         UUID NOT NULL,
	kind       TEXT NOT NULL,
	epoch      BIGINT NOT NULL,
	pool_id    BIGINT NOT NULL,
	identity   TEXT NOT NULL,
	lock_id    BIGINT NOT NULL,
	option_id  BIGINT NOT NULL,
	token      TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS broker_events_identity_idx ON broker_events (identity);
CREATE TABLE IF NOT EXISTS broker_event_amounts (
	seq    BIGINT NOT NULL REFERENCES broker_events (seq),
	name   TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	PRIMARY KEY (seq, name)
);`

// PostgresJournal replicates the event journal into PostgreSQL for
// external auditing. The ledger itself stays in the primary Store; the
// journal is append-only and idempotent on seq.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal creates a journal writer on the given pool.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

// Migrate creates the journal tables if missing.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, journalSchema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Publish inserts e and its amounts. Re-publishing the same seq is a no-op.
func (j *PostgresJournal) Publish(ctx context.Context, e model.Event) error {
	err := pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO broker_events (seq, id, kind, epoch, pool_id, identity, lock_id, option_id, token, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (seq) DO NOTHING`,
			int64(e.Seq), e.ID, string(e.Kind), int64(e.Epoch), int64(e.PoolID),
			e.Identity.Hex(), int64(e.LockID), int64(e.OptionID), e.Token.Hex(), e.Timestamp,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		names := make([]string, 0, len(e.Amounts))
		for name := range e.Amounts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := tx.Exec(ctx,
				`INSERT INTO broker_event_amounts (seq, name, amount) VALUES ($1, $2, $3::NUMERIC)`,
				int64(e.Seq), name, e.Amounts[name].String(),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal: publish event %d: %w", e.Seq, err)
	}
	return nil
}

// ByIdentity returns the journaled events of one identity in seq order.
func (j *PostgresJournal) ByIdentity(ctx context.Context, identity common.Address) ([]model.Event, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT e.seq, e.id, e.kind, e.epoch, e.pool_id, e.identity, e.lock_id, e.option_id, e.token, e.ts,
		        a.name, a.amount::TEXT
		 FROM broker_events e
		 LEFT JOIN broker_event_amounts a ON a.seq = e.seq
		 WHERE e.identity = $1
		 ORDER BY e.seq, a.name`, identity.Hex())
	if err != nil {
		return nil, fmt.Errorf("journal: query identity %s: %w", identity.Hex(), err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			seq, epoch, poolID, lockID, optionID int64
			id                                   uuid.UUID
			kind, ident, token                   string
			ts                                   time.Time
			name, amount                         *string
		)
		if err := rows.Scan(&seq, &id, &kind, &epoch, &poolID, &ident, &lockID, &optionID, &token, &ts, &name, &amount); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if n := len(events); n == 0 || events[n-1].Seq != uint64(seq) {
			events = append(events, model.Event{
				Seq:       uint64(seq),
				ID:        id,
				Kind:      model.EventKind(kind),
				Epoch:     uint64(epoch),
				PoolID:    uint64(poolID),
				Identity:  common.HexToAddress(ident),
				LockID:    uint64(lockID),
				OptionID:  uint64(optionID),
				Token:     common.HexToAddress(token),
				Timestamp: ts,
			})
		}
		if name == nil || amount == nil {
			continue
		}
		v, ok := sdkmath.NewIntFromString(*amount)
		if !ok {
			return nil, fmt.Errorf("journal: bad amount %q for event %d", *amount, seq)
		}
		last := &events[len(events)-1]
		if last.Amounts == nil {
			last.Amounts = make(map[string]sdkmath.Int)
		}
		last.Amounts[*name] = v
	}
	return events, rows.Err()
}
