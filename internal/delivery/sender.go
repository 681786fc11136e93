package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

// Sender delivers payloads through the relay. When the relay reports a
// recipient as permanently gone, the stale connection record is removed
// before Send returns, so later fan-outs skip it.
type Sender struct {
	relay       domain.Relay
	connections domain.ConnectionRepository
}

func NewSender(relay domain.Relay, connections domain.ConnectionRepository) *Sender {
	return &Sender{relay: relay, connections: connections}
}

// Send pushes payload to one connection. A gone recipient is reaped and
// reported as ErrRecipientGone; callers treat that as skippable.
func (s *Sender) Send(ctx context.Context, connectionID string, payload []byte) error {
	err := s.relay.Send(ctx, connectionID, payload)
	if err == nil {
		metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
		return nil
	}

	if errors.Is(err, domain.ErrRecipientGone) {
		metrics.DeliveriesTotal.WithLabelValues("gone").Inc()
		s.reap(ctx, connectionID)
		return err
	}

	metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	return fmt.Errorf("failed to deliver to %s: %w", connectionID, err)
}

// SendJSON marshals v and delivers it.
func (s *Sender) SendJSON(ctx context.Context, connectionID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.Send(ctx, connectionID, payload)
}

func (s *Sender) reap(ctx context.Context, connectionID string) {
	if err := s.connections.Remove(ctx, connectionID); err != nil {
		slog.Warn("Failed to reap gone connection", "connection_id", connectionID, "error", err)
		return
	}
	metrics.ReapedConnectionsTotal.Inc()
	slog.Info("Reaped gone connection", "connection_id", connectionID)
}
