// Package widget holds the per-widget-type action state machine and the
// periodic countdown updater. Transition functions are pure: they map
// (config, state, action, payload, now) to a new state document and perform
// no I/O. Persisting the result and notifying subscribers is the caller's
// job.
package widget

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
)

// TransitionFunc computes a widget's next state document.
type TransitionFunc func(config, state map[string]any, action string, payload map[string]any, now time.Time) (map[string]any, error)

// Engine dispatches actions to the transition function registered for the
// widget's type. The registry is closed: unknown types are pass-through
// storage only and support no actions.
type Engine struct {
	registry map[string]TransitionFunc
	clock    clockwork.Clock
}

func NewEngine(clock clockwork.Clock) *Engine {
	return &Engine{
		registry: map[string]TransitionFunc{
			TypeCountdown: countdownTransition,
		},
		clock: clock,
	}
}

// Transition runs one action against a widget's current state and returns
// the new state document. ErrUnsupportedWidgetType for types with no
// registered transition function.
func (e *Engine) Transition(widgetType string, config, state map[string]any, action string, payload map[string]any) (map[string]any, error) {
	fn, ok := e.registry[widgetType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedWidgetType, widgetType)
	}
	return fn(config, state, action, payload, e.clock.Now().UTC())
}

// asNumber extracts a numeric value from a decoded JSON document.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// cloneState copies a state document so transitions never mutate their
// input.
func cloneState(state map[string]any) map[string]any {
	next := make(map[string]any, len(state)+1)
	for k, v := range state {
		next[k] = v
	}
	return next
}
