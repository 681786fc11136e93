package widget

import (
	"fmt"
	"time"

	"github.com/pscheid92/widgetsync/internal/domain"
)

// TypeCountdown is the countdown timer widget type.
const TypeCountdown = "countdown"

// Countdown state document fields.
const (
	fieldEnabled      = "enabled"
	fieldDurationLeft = "duration_left"
	fieldLastTick     = "last_tick_timestamp"
)

// defaultDuration is used when the widget config carries no duration.
const defaultDuration = 300.0

// Countdown actions.
const (
	ActionStart       = "start"
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionReset       = "reset"
	ActionSetDuration = "set_duration"
)

// configDuration reads the configured countdown duration in seconds.
func configDuration(config map[string]any) float64 {
	if d, ok := asNumber(config["duration"]); ok {
		return d
	}
	return defaultDuration
}

func stateEnabled(state map[string]any) bool {
	enabled, _ := state[fieldEnabled].(bool)
	return enabled
}

func stateDurationLeft(state map[string]any) float64 {
	d, _ := asNumber(state[fieldDurationLeft])
	return d
}

// stateLastTick parses the last tick timestamp, nil when absent or null.
func stateLastTick(state map[string]any) *time.Time {
	s, ok := state[fieldLastTick].(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// countdownTransition implements the countdown timer state machine.
//
// Invariant: enabled=false implies last_tick_timestamp is null. Paused time
// never advances implicitly.
func countdownTransition(config, state map[string]any, action string, payload map[string]any, now time.Time) (map[string]any, error) {
	switch action {
	case ActionStart:
		next := cloneState(state)
		next[fieldEnabled] = true
		next[fieldDurationLeft] = configDuration(config)
		next[fieldLastTick] = now.Format(time.RFC3339Nano)
		return next, nil

	case ActionPause:
		durationLeft := stateDurationLeft(state)
		if lastTick := stateLastTick(state); lastTick != nil && stateEnabled(state) {
			elapsed := now.Sub(*lastTick).Seconds()
			durationLeft = max(0, durationLeft-elapsed)
		}
		// Already paused: duration unchanged, still normalize the
		// enabled/timestamp pair.
		next := cloneState(state)
		next[fieldEnabled] = false
		next[fieldDurationLeft] = durationLeft
		next[fieldLastTick] = nil
		return next, nil

	case ActionResume:
		next := cloneState(state)
		next[fieldEnabled] = true
		next[fieldLastTick] = now.Format(time.RFC3339Nano)
		return next, nil

	case ActionReset:
		// Discards any in-flight countdown; prior state is irrelevant.
		return map[string]any{
			fieldEnabled:      false,
			fieldDurationLeft: configDuration(config),
			fieldLastTick:     nil,
		}, nil

	case ActionSetDuration:
		duration, ok := asNumber(payload["duration"])
		if !ok || duration < 0 {
			return nil, fmt.Errorf("%w: duration must be a non-negative number", domain.ErrInvalidArgument)
		}
		next := cloneState(state)
		next[fieldDurationLeft] = duration
		if stateEnabled(state) {
			// Restart the elapsed-time baseline so the new value counts
			// down from this moment.
			next[fieldLastTick] = now.Format(time.RFC3339Nano)
		}
		return next, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action)
	}
}
