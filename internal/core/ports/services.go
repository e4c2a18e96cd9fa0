package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"custodial-ledger/internal/core/domain"
)

// AssetTransferrer moves value out of custody to a principal.
// A non-nil error means the value did not move.
type AssetTransferrer interface {
	Transfer(ctx context.Context, principal domain.Principal, amount uint64) error
}

// EventPublisher forwards committed ledger events to external observers.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Name() string
}

// IdempotencyCache stores receipts of completed mutations (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached receipt JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, principal domain.Principal, timestamp int64, nonce string, body string) string
	SignPayout(secretKey string, timestamp int64, body []byte) string
}

// TokenService validates bearer tokens issued for principals.
type TokenService interface {
	Generate(principal domain.Principal) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Principal domain.Principal
	ExpiresAt time.Time
}

// --- Service Ports (Business Logic) ---

// LedgerService is the application boundary around the core ledger.
type LedgerService interface {
	Deposit(ctx context.Context, req MutationRequest) (*MutationResult, error)
	Withdraw(ctx context.Context, req MutationRequest) (*MutationResult, error)
	Balance(ctx context.Context, principal domain.Principal) uint64
	Stats(ctx context.Context) domain.LedgerSnapshot
}

// MutationRequest holds validated input for a deposit or withdrawal.
type MutationRequest struct {
	Principal      domain.Principal
	Amount         uint64
	IdempotencyKey string // optional
	ClientIP       string
}

// MutationResult is the receipt of a committed deposit or withdrawal.
type MutationResult struct {
	Event    domain.Event
	Replayed bool // served from the idempotency store, the ledger was not touched
}
