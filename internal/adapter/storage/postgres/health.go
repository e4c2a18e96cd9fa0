package postgres

import (
	"context"
	"fmt"
)

// HealthCheck implements ports.HealthChecker for the ledger database.
// Besides connectivity it checks that the journal table is reachable.
type HealthCheck struct {
	pool Pool
}

// NewHealthCheck creates a PostgreSQL health checker.
func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

// Ping checks connectivity and journal access.
func (h *HealthCheck) Ping(ctx context.Context) error {
	if err := h.pool.Ping(ctx); err != nil {
		return fmt.Errorf("journal database unreachable: %w", err)
	}
	if _, err := h.pool.Exec(ctx, `SELECT 1 FROM ledger_journal LIMIT 1`); err != nil {
		return fmt.Errorf("journal table unavailable: %w", err)
	}
	return nil
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "postgresql"
}
