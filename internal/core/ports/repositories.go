package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"custodial-ledger/internal/core/domain"
)

// JournalStore persists committed ledger events in sequence order.
type JournalStore interface {
	// Append writes the entries of one committed operation atomically.
	// Entries already stored with the same sequence and hash are skipped.
	Append(ctx context.Context, entries ...domain.JournalEntry) error
	// LoadAll returns every entry ordered by sequence.
	LoadAll(ctx context.Context) ([]domain.JournalEntry, error)
}

// IdempotencyRepository is the durable store for mutation receipts.
type IdempotencyRepository interface {
	Create(ctx context.Context, record *domain.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) // nil, nil when absent
}

// NonceStore tracks used request nonces for replay protection.
type NonceStore interface {
	// CheckAndSet returns true if the nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, principal domain.Principal, nonce string, ttl time.Duration) (bool, error)
}
