package handler

import (
	"crypto/subtle"
	"net/http"

	"custodial-ledger/internal/adapter/http/dto"
	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"
	"custodial-ledger/pkg/apperror"
	"custodial-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderAdminKey guards token issuance.
const HeaderAdminKey = "X-Admin-Key"

// AuthHandler issues bearer tokens for principals.
type AuthHandler struct {
	tokenSvc ports.TokenService
	adminKey string
}

// NewAuthHandler creates a new AuthHandler. An empty adminKey disables issuance.
func NewAuthHandler(tokenSvc ports.TokenService, adminKey string) *AuthHandler {
	return &AuthHandler{tokenSvc: tokenSvc, adminKey: adminKey}
}

// IssueToken handles POST /api/v1/auth/token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	given := c.GetHeader(HeaderAdminKey)
	if h.adminKey == "" || subtle.ConstantTimeCompare([]byte(given), []byte(h.adminKey)) != 1 {
		response.Error(c, apperror.ErrForbidden())
		return
	}

	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	token, expiry, err := h.tokenSvc.Generate(domain.Principal(req.Principal))
	if err != nil {
		response.Error(c, apperror.InternalError(err))
		return
	}

	response.OK(c, dto.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiry.Unix(),
	})
}

// HealthCheck handles GET /health and pings every configured dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
