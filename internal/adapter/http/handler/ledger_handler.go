package handler

import (
	"context"
	"net/http"

	"custodial-ledger/internal/adapter/http/dto"
	"custodial-ledger/internal/adapter/http/middleware"
	"custodial-ledger/internal/core/ports"
	"custodial-ledger/pkg/apperror"
	"custodial-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotentReplayed marks a receipt served from the idempotency store.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

type mutationFunc func(ctx context.Context, req ports.MutationRequest) (*ports.MutationResult, error)

// LedgerHandler handles the ledger endpoints.
type LedgerHandler struct {
	ledgerSvc ports.LedgerService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledgerSvc ports.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledgerSvc: ledgerSvc}
}

// Deposit handles POST /api/v1/ledger/deposits.
func (h *LedgerHandler) Deposit(c *gin.Context) {
	h.mutate(c, h.ledgerSvc.Deposit)
}

// Withdraw handles POST /api/v1/ledger/withdrawals.
func (h *LedgerHandler) Withdraw(c *gin.Context) {
	h.mutate(c, h.ledgerSvc.Withdraw)
}

func (h *LedgerHandler) mutate(c *gin.Context, op mutationFunc) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, apperror.ErrMissingPrincipal())
		return
	}

	var headers dto.MutationHeaders
	if err := c.ShouldBindHeader(&headers); err != nil {
		response.Error(c, apperror.Validation("invalid Idempotency-Key header"))
		return
	}

	var req dto.AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := op(c.Request.Context(), ports.MutationRequest{
		Principal:      principal,
		Amount:         *req.Amount,
		IdempotencyKey: headers.IdempotencyKey,
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.Replayed {
		c.Header(HeaderIdempotentReplayed, "true")
		response.OK(c, dto.NewReceiptResponse(result.Event))
		return
	}
	response.Created(c, dto.NewReceiptResponse(result.Event))
}

// GetBalance handles GET /api/v1/ledger/balance.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, apperror.ErrMissingPrincipal())
		return
	}

	response.OK(c, dto.BalanceResponse{
		Principal: principal.String(),
		Balance:   h.ledgerSvc.Balance(c.Request.Context(), principal),
	})
}

// GetCapacity handles GET /api/v1/ledger/capacity.
func (h *LedgerHandler) GetCapacity(c *gin.Context) {
	s := h.ledgerSvc.Stats(c.Request.Context())
	response.OK(c, dto.CapacityResponse{
		AvailableCapacity: s.AvailableCapacity,
		BankCap:           s.BankCap,
		TotalDeposits:     s.TotalDeposits,
	})
}

// GetStats handles GET /api/v1/ledger/stats.
func (h *LedgerHandler) GetStats(c *gin.Context) {
	response.JSON(c, http.StatusOK, dto.NewStatsResponse(h.ledgerSvc.Stats(c.Request.Context())))
}
