package middleware

import (
	"fmt"
	"strconv"
	"time"

	redisStore "custodial-ledger/internal/adapter/storage/redis"
	"custodial-ledger/pkg/apperror"
	"custodial-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Rate limit groups.
const (
	GroupDeposits    = "deposits"
	GroupWithdrawals = "withdrawals"
	GroupReads       = "reads"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// PerMinuteRules builds the rules of the three ledger groups. A limit <= 0
// leaves its group unlimited.
func PerMinuteRules(deposits, withdrawals, reads int64) map[string]RateLimitRule {
	rules := make(map[string]RateLimitRule, 3)
	for group, limit := range map[string]int64{
		GroupDeposits:    deposits,
		GroupWithdrawals: withdrawals,
		GroupReads:       reads,
	} {
		if limit > 0 {
			rules[group] = RateLimitRule{Limit: limit, Window: time.Minute}
		}
	}
	return rules
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// It must run after the auth middleware so requests are counted per principal.
func RateLimiter(store *redisStore.RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		// Always set rate limit headers
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := max(result.ResetAt-time.Now().Unix(), 1)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier determines the rate limit key source.
func extractIdentifier(c *gin.Context) string {
	if p, ok := PrincipalFrom(c); ok {
		return "p:" + strconv.Itoa(len(p)) + ":" + p.String()
	}
	return "ip:" + c.ClientIP()
}
