package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of committed ledger operation.
type EventType string

const (
	EventTypeDeposit    EventType = "DEPOSIT"
	EventTypeWithdrawal EventType = "WITHDRAWAL"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventTypeDeposit || t == EventTypeWithdrawal
}

// Event is the observation emitted for every successful deposit or withdrawal.
// Events are informational; the ledger never reads them back except during replay.
type Event struct {
	ID                 uuid.UUID `json:"id"`
	Sequence           uint64    `json:"sequence"` // assigned when the outermost operation commits
	Type               EventType `json:"type"`
	Principal          Principal `json:"principal"`
	Amount             uint64    `json:"amount"`
	BalanceAfter       uint64    `json:"balance_after"`
	TotalDepositsAfter uint64    `json:"total_deposits_after"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// LedgerSnapshot is a consistent view of the ledger's public read surface.
type LedgerSnapshot struct {
	WithdrawalLimit   uint64 `json:"withdrawal_limit"`
	BankCap           uint64 `json:"bank_cap"`
	TotalDeposits     uint64 `json:"total_deposits"`
	DepositCount      uint64 `json:"deposit_count"`
	WithdrawalCount   uint64 `json:"withdrawal_count"`
	AvailableCapacity uint64 `json:"available_capacity"`
	Accounts          int    `json:"accounts"`
	LastSequence      uint64 `json:"last_sequence"`
}
