package handler

import (
	"custodial-ledger/internal/adapter/http/middleware"
	redisStore "custodial-ledger/internal/adapter/storage/redis"
	"custodial-ledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Auth modes accepted by RouterDeps.AuthMode.
const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
	AuthModeHMAC   = "hmac"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	LedgerSvc      ports.LedgerService
	AuthMode       string
	TokenSvc       ports.TokenService // jwt mode
	AdminKey       string             // jwt mode, "" = token issuance disabled
	SigSvc         ports.SignatureService
	HMACSecret     string                     // hmac mode
	NonceStore     ports.NonceStore           // hmac mode
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	RateLimits     map[string]middleware.RateLimitRule
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))

	// Health check (pings every configured dependency)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Swagger documentation
	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := deps.RateLimits[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Token issuance (jwt mode only) ---
	if deps.AuthMode == AuthModeJWT {
		authHandler := NewAuthHandler(deps.TokenSvc, deps.AdminKey)
		v1.POST("/auth/token", authHandler.IssueToken)
	}

	// --- Principal-authenticated ledger routes ---
	ledgerHandler := NewLedgerHandler(deps.LedgerSvc)
	ledger := v1.Group("/ledger", principalAuth(deps))
	{
		ledger.POST("/deposits", rl(middleware.GroupDeposits), ledgerHandler.Deposit)
		ledger.POST("/withdrawals", rl(middleware.GroupWithdrawals), ledgerHandler.Withdraw)
		ledger.GET("/balance", rl(middleware.GroupReads), ledgerHandler.GetBalance)
		ledger.GET("/capacity", rl(middleware.GroupReads), ledgerHandler.GetCapacity)
		ledger.GET("/stats", rl(middleware.GroupReads), ledgerHandler.GetStats)
	}

	return r
}

func principalAuth(deps RouterDeps) gin.HandlerFunc {
	switch deps.AuthMode {
	case AuthModeJWT:
		return middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	case AuthModeHMAC:
		return middleware.HMACAuth(deps.HMACSecret, deps.SigSvc, deps.NonceStore, deps.Logger)
	default:
		return middleware.TrustedHeaderAuth()
	}
}
