package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// HealthCheck implements ports.HealthChecker by dialing the brokers.
type HealthCheck struct {
	brokers []string
	dialer  *kafka.Dialer
}

// NewHealthCheck creates a Kafka health checker.
func NewHealthCheck(brokers []string) *HealthCheck {
	return &HealthCheck{brokers: brokers, dialer: &kafka.Dialer{}}
}

// Ping succeeds if any broker accepts a connection.
func (h *HealthCheck) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range h.brokers {
		conn, err := h.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		return conn.Close()
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return errors.Join(errs...)
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "kafka"
}
