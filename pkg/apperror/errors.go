package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"custodial-ledger/internal/core/domain"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string         `json:"error_code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithDetails attaches client-visible diagnostic fields.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// ---- Security & Authentication (SEC) ----

func ErrMissingPrincipal() *AppError {
	return New("SEC_001", "Missing or invalid principal", http.StatusUnauthorized)
}

func ErrInvalidSignature() *AppError {
	return New("SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_003", "Request timestamp expired", http.StatusForbidden)
}

func ErrNonceUsed() *AppError {
	return New("SEC_004", "Nonce has already been used", http.StatusForbidden)
}

func ErrInvalidToken() *AppError {
	return New("SEC_005", "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbidden() *AppError {
	return New("SEC_006", "Forbidden", http.StatusForbidden)
}

// ---- Ledger (LED) ----

func ErrZeroAmount() *AppError {
	return New("LED_001", "Amount must be greater than zero", http.StatusBadRequest)
}

func ErrBankCapExceeded(attempted, available uint64) *AppError {
	return New("LED_002", "Deposit exceeds available custody capacity", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"attempted": attempted, "available": available})
}

func ErrWithdrawalLimitExceeded(requested, limit uint64) *AppError {
	return New("LED_003", "Withdrawal exceeds per-call limit", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"requested": requested, "limit": limit})
}

func ErrInsufficientBalance(requested, available uint64) *AppError {
	return New("LED_004", "Insufficient balance", http.StatusPaymentRequired).
		WithDetails(map[string]any{"requested": requested, "available": available})
}

func ErrTransferFailed(err error) *AppError {
	return Wrap("LED_005", "Asset transfer failed, withdrawal reverted", http.StatusBadGateway, err)
}

func ErrIdempotencyConflict() *AppError {
	return New("LED_006", "Idempotency key reused with a different amount", http.StatusConflict)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrLockTimeout(err error) *AppError {
	return Wrap("SYS_002", "Lock acquisition timeout", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a VAL_001 validation error.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

// FromLedger maps a ledger error to its transport form. Errors that are not
// ledger errors become SYS_001.
func FromLedger(err error) *AppError {
	// Checked first: whatever the transferrer returned is only the cause.
	var transfer *domain.TransferFailedError
	if errors.As(err, &transfer) {
		return ErrTransferFailed(transfer)
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var (
		capErr     *domain.BankCapExceededError
		limitErr   *domain.WithdrawalLimitExceededError
		balanceErr *domain.InsufficientBalanceError
	)
	switch {
	case errors.Is(err, domain.ErrZeroAmount):
		return ErrZeroAmount()
	case errors.As(err, &capErr):
		return ErrBankCapExceeded(capErr.Attempted, capErr.Available)
	case errors.As(err, &limitErr):
		return ErrWithdrawalLimitExceeded(limitErr.Requested, limitErr.Limit)
	case errors.As(err, &balanceErr):
		return ErrInsufficientBalance(balanceErr.Requested, balanceErr.Available)
	case errors.Is(err, domain.ErrLockTimeout):
		return ErrLockTimeout(err)
	default:
		return InternalError(err)
	}
}
