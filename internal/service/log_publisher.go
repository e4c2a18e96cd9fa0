package service

import (
	"context"

	"custodial-ledger/internal/core/domain"

	"github.com/rs/zerolog"
)

// LogPublisher writes committed events to the logger. It is the publisher used
// when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish implements ports.EventPublisher.
func (p *LogPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.log.Info().
		Str("event_id", ev.ID.String()).
		Uint64("seq", ev.Sequence).
		Str("type", string(ev.Type)).
		Str("principal", ev.Principal.String()).
		Uint64("amount", ev.Amount).
		Uint64("balance_after", ev.BalanceAfter).
		Uint64("total_deposits_after", ev.TotalDepositsAfter).
		Time("occurred_at", ev.OccurredAt).
		Msg("ledger event")
	return nil
}

// Name implements ports.EventPublisher.
func (p *LogPublisher) Name() string { return "log" }
