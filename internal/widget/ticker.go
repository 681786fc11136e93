package widget

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

// Ticker periodically advances enabled countdown widgets so clients see
// the remaining time tick down even when no action arrives. State is
// persisted through the widget store, so the mutation feed fans the tick
// out to subscribers like any other state change.
//
// A countdown stops at 0 but stays enabled, so clients can render a
// "finished" state; hiding the widget is an explicit action.
type Ticker struct {
	widgets  domain.WidgetRepository
	clock    clockwork.Clock
	interval time.Duration
}

func NewTicker(widgets domain.WidgetRepository, clock clockwork.Clock, interval time.Duration) *Ticker {
	return &Ticker{widgets: widgets, clock: clock, interval: interval}
}

// Run starts the tick loop. It blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	widgets, err := t.widgets.ListEnabledByType(ctx, TypeCountdown)
	if err != nil {
		slog.Warn("Ticker: listing enabled countdowns failed", "error", err)
		return
	}

	now := t.clock.Now().UTC()
	for _, w := range widgets {
		next, ok := advanceCountdown(w, now)
		if !ok {
			continue
		}
		if err := t.widgets.UpdateState(ctx, w.ID, next); err != nil {
			slog.Warn("Ticker: state update failed", "widget_id", w.ID, "error", err)
			continue
		}
		metrics.CountdownTicksTotal.Inc()
	}
}

// advanceCountdown computes the ticked state for one widget. Returns
// ok=false when the widget needs no update this pass.
func advanceCountdown(w *domain.Widget, now time.Time) (map[string]any, bool) {
	if !stateEnabled(w.State) {
		return nil, false
	}

	lastTick := stateLastTick(w.State)
	if lastTick == nil {
		slog.Warn("Ticker: enabled countdown has no valid last_tick_timestamp", "widget_id", w.ID)
		return nil, false
	}

	elapsed := int64(now.Sub(*lastTick).Seconds())
	if elapsed < 1 {
		return nil, false
	}

	durationLeft := max(0, stateDurationLeft(w.State)-float64(elapsed))

	next := cloneState(w.State)
	next[fieldDurationLeft] = durationLeft
	next[fieldLastTick] = now.Format(time.RFC3339Nano)
	return next, true
}
