package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed ledger error matches its kind via errors.Is,
// and the field-carrying struct is reachable via errors.As.
var (
	ErrZeroAmount              = errors.New("amount must be greater than zero")
	ErrBankCapExceeded         = errors.New("bank cap exceeded")
	ErrWithdrawalLimitExceeded = errors.New("withdrawal limit exceeded")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrTransferFailed          = errors.New("transfer failed")

	// ErrLockTimeout is returned when the ledger could not be entered before ctx ended.
	ErrLockTimeout = errors.New("ledger lock acquisition timed out")
)

// BankCapExceededError rejects a deposit that would push total custody past the cap.
// Available is the room left before the deposit was attempted.
type BankCapExceededError struct {
	Attempted uint64
	Available uint64
}

func (e *BankCapExceededError) Error() string {
	return fmt.Sprintf("%s: attempted %d, available %d", ErrBankCapExceeded, e.Attempted, e.Available)
}

func (e *BankCapExceededError) Is(target error) bool {
	return target == ErrBankCapExceeded
}

// WithdrawalLimitExceededError rejects a withdrawal above the per-call ceiling.
type WithdrawalLimitExceededError struct {
	Requested uint64
	Limit     uint64
}

func (e *WithdrawalLimitExceededError) Error() string {
	return fmt.Sprintf("%s: requested %d, limit %d", ErrWithdrawalLimitExceeded, e.Requested, e.Limit)
}

func (e *WithdrawalLimitExceededError) Is(target error) bool {
	return target == ErrWithdrawalLimitExceeded
}

// InsufficientBalanceError rejects a withdrawal above the caller's recorded balance.
type InsufficientBalanceError struct {
	Requested uint64
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", ErrInsufficientBalance, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// TransferFailedError reports that the outbound value movement did not succeed.
// The withdrawal that triggered it has been rolled back.
//
// A cause that is itself a ledger error (a nested call made by the transferrer)
// stays in Err but is not unwrapped, so the error has exactly one kind.
type TransferFailedError struct {
	Principal Principal
	Amount    uint64
	Err       error
}

func (e *TransferFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %d to %s: %v", ErrTransferFailed, e.Amount, e.Principal, e.Err)
	}
	return fmt.Sprintf("%s: %d to %s", ErrTransferFailed, e.Amount, e.Principal)
}

func (e *TransferFailedError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *TransferFailedError) Unwrap() error {
	if IsLedgerError(e.Err) {
		return nil
	}
	return e.Err
}

var ledgerKinds = []error{
	ErrZeroAmount,
	ErrBankCapExceeded,
	ErrWithdrawalLimitExceeded,
	ErrInsufficientBalance,
	ErrTransferFailed,
	ErrLockTimeout,
}

// IsLedgerError reports whether err matches one of the ledger error kinds.
func IsLedgerError(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range ledgerKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
