package dto

import (
	"time"

	"custodial-ledger/internal/core/domain"
)

// AmountRequest is the request body for deposits and withdrawals.
// Amount is a pointer so that an explicit 0 reaches the ledger and is rejected
// there with LED_001 rather than as a missing field.
type AmountRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
}

// MutationHeaders carries the optional headers of the mutating routes.
type MutationHeaders struct {
	IdempotencyKey string `header:"Idempotency-Key" binding:"omitempty,max=128,idempotency_key"`
}

// ReceiptResponse is the receipt of a committed deposit or withdrawal.
type ReceiptResponse struct {
	ID                 string `json:"id"`
	Sequence           uint64 `json:"sequence"`
	Type               string `json:"type"`
	Principal          string `json:"principal"`
	Amount             uint64 `json:"amount"`
	BalanceAfter       uint64 `json:"balance_after"`
	TotalDepositsAfter uint64 `json:"total_deposits_after"`
	OccurredAt         string `json:"occurred_at"`
}

// NewReceiptResponse converts a committed event to its wire form.
func NewReceiptResponse(ev domain.Event) ReceiptResponse {
	return ReceiptResponse{
		ID:                 ev.ID.String(),
		Sequence:           ev.Sequence,
		Type:               string(ev.Type),
		Principal:          ev.Principal.String(),
		Amount:             ev.Amount,
		BalanceAfter:       ev.BalanceAfter,
		TotalDepositsAfter: ev.TotalDepositsAfter,
		OccurredAt:         ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// BalanceResponse is the response for balance query.
type BalanceResponse struct {
	Principal string `json:"principal"`
	Balance   uint64 `json:"balance"`
}

// CapacityResponse is the response for the custody capacity query.
type CapacityResponse struct {
	AvailableCapacity uint64 `json:"available_capacity"`
	BankCap           uint64 `json:"bank_cap"`
	TotalDeposits     uint64 `json:"total_deposits"`
}

// StatsResponse is the full read surface of the ledger.
type StatsResponse struct {
	WithdrawalLimit   uint64 `json:"withdrawal_limit"`
	BankCap           uint64 `json:"bank_cap"`
	TotalDeposits     uint64 `json:"total_deposits"`
	DepositCount      uint64 `json:"deposit_count"`
	WithdrawalCount   uint64 `json:"withdrawal_count"`
	AvailableCapacity uint64 `json:"available_capacity"`
	Accounts          int    `json:"accounts"`
	LastSequence      uint64 `json:"last_sequence"`
}

// NewStatsResponse converts a snapshot to its wire form.
func NewStatsResponse(s domain.LedgerSnapshot) StatsResponse {
	return StatsResponse(s)
}

// TokenRequest is the request body for token issuance.
type TokenRequest struct {
	Principal string `json:"principal" binding:"required,principal"`
}

// TokenResponse is the response body for token issuance.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"` // Unix timestamp
}
