package postgres

import (
	"context"
	"errors"
	"fmt"

	"custodial-ledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Create stores a receipt. The first receipt for a key wins.
func (r *IdempotencyRepo) Create(ctx context.Context, record *domain.IdempotencyRecord) error {
	query := `INSERT INTO ledger_idempotency (key, event_seq, response_json, created_at)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (key) DO NOTHING`

	_, err := r.pool.Exec(ctx, query, record.Key, u64(record.EventSeq), record.ResponseJSON, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Get fetches a receipt by key.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, event_seq::text, response_json, created_at FROM ledger_idempotency WHERE key = $1`

	rec := &domain.IdempotencyRecord{}
	var seq string
	err := r.pool.QueryRow(ctx, query, key).Scan(&rec.Key, &seq, &rec.ResponseJSON, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if err := parseU64s(field{"event_seq", seq, &rec.EventSeq}); err != nil {
		return nil, err
	}
	return rec, nil
}
