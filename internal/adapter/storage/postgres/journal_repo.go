package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"custodial-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrJournalConflict means a sequence number is already stored with a different entry.
var ErrJournalConflict = errors.New("journal entry conflicts with stored entry")

// JournalRepo implements ports.JournalStore on the ledger_journal table.
type JournalRepo struct {
	pool Pool
}

// NewJournalRepo creates a new JournalRepo.
func NewJournalRepo(pool Pool) *JournalRepo {
	return &JournalRepo{pool: pool}
}

const insertJournal = `INSERT INTO ledger_journal
	(seq, event_id, event_type, principal, amount, balance_after, total_deposits_after, occurred_at, prev_hash, hash)
	VALUES ($1::numeric, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
	ON CONFLICT DO NOTHING`

const selectJournalHash = `SELECT hash FROM ledger_journal WHERE seq = $1::numeric`

// Append inserts the entries of one committed operation in a single transaction.
// Entries already stored with the same hash are skipped, so a batch whose
// earlier commit was reported as failed can be appended again.
func (r *JournalRepo) Append(ctx context.Context, entries ...domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range entries {
		tag, err := tx.Exec(ctx, insertJournal,
			u64(e.Sequence), e.ID, string(e.Type), string(e.Principal),
			u64(e.Amount), u64(e.BalanceAfter), u64(e.TotalDepositsAfter),
			e.OccurredAt, e.PrevHash, e.Hash,
		)
		if err != nil {
			return fmt.Errorf("insert journal entry %d: %w", e.Sequence, err)
		}
		if tag.RowsAffected() == 0 {
			if err := checkStored(ctx, tx, e); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

func checkStored(ctx context.Context, tx pgx.Tx, e domain.JournalEntry) error {
	var stored []byte
	err := tx.QueryRow(ctx, selectJournalHash, u64(e.Sequence)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict was on event_id under another sequence number.
		return fmt.Errorf("journal entry %d: %w", e.Sequence, ErrJournalConflict)
	}
	if err != nil {
		return fmt.Errorf("read stored journal entry %d: %w", e.Sequence, err)
	}
	if !bytes.Equal(stored, e.Hash) {
		return fmt.Errorf("journal entry %d: %w", e.Sequence, ErrJournalConflict)
	}
	return nil
}

// LoadAll returns the whole journal in sequence order.
func (r *JournalRepo) LoadAll(ctx context.Context) ([]domain.JournalEntry, error) {
	query := `SELECT seq::text, event_id, event_type, principal, amount::text, balance_after::text,
		total_deposits_after::text, occurred_at, prev_hash, hash
		FROM ledger_journal ORDER BY seq`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			seq, amount, balance, total string
			id                          uuid.UUID
			eventType, principal        string
			occurredAt                  time.Time
			prevHash, hash              []byte
		)
		if err := rows.Scan(&seq, &id, &eventType, &principal, &amount, &balance, &total,
			&occurredAt, &prevHash, &hash); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}

		e := domain.JournalEntry{
			Event: domain.Event{
				ID:         id,
				Type:       domain.EventType(eventType),
				Principal:  domain.Principal(principal),
				OccurredAt: occurredAt.UTC(),
			},
			PrevHash: prevHash,
			Hash:     hash,
		}
		if err := parseU64s(
			field{"seq", seq, &e.Sequence},
			field{"amount", amount, &e.Amount},
			field{"balance_after", balance, &e.BalanceAfter},
			field{"total_deposits_after", total, &e.TotalDepositsAfter},
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

type field struct {
	name string
	raw  string
	dst  *uint64
}

func parseU64s(fields ...field) error {
	for _, f := range fields {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	return nil
}
