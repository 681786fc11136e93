package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

const relayRequestTimeout = 10 * time.Second

// HTTPRelay pushes payloads to a remote connection-management endpoint
// via POST {endpoint}/connections/{id}. A 410 response means the
// recipient's channel no longer exists.
//
// A circuit breaker guards the endpoint so a dead relay fails fast
// instead of stalling every fan-out.
type HTTPRelay struct {
	endpoint string
	client   *http.Client
	cb       circuitbreaker.CircuitBreaker[any]
}

var _ domain.Relay = (*HTTPRelay)(nil)

func NewHTTPRelay(endpoint string) *HTTPRelay {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Relay circuit breaker state changed",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.RelayBreakerStateChanges.WithLabelValues(e.NewState.String()).Inc()
		}).
		Build()

	return &HTTPRelay{
		endpoint: endpoint,
		client:   &http.Client{Timeout: relayRequestTimeout},
		cb:       cb,
	}
}

func (r *HTTPRelay) Send(ctx context.Context, connectionID string, payload []byte) error {
	if !r.cb.TryAcquirePermit() {
		return fmt.Errorf("relay unavailable: %w", circuitbreaker.ErrOpen)
	}

	url := r.endpoint + "/connections/" + connectionID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		r.cb.RecordSuccess()
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.cb.RecordError(err)
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusGone:
		// The channel is gone, not the relay. Counts as a healthy answer.
		r.cb.RecordSuccess()
		return domain.ErrRecipientGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		r.cb.RecordSuccess()
		return nil
	default:
		err := fmt.Errorf("relay returned status %d for %s", resp.StatusCode, connectionID)
		r.cb.RecordError(err)
		return err
	}
}
