package domain

import "time"

// Wire message types, one JSON object per transport frame.
const (
	MsgWidgetSubscribe      = "WIDGET_SUBSCRIBE"
	MsgWidgetUnsubscribe    = "WIDGET_UNSUBSCRIBE"
	MsgWidgetAction         = "WIDGET_ACTION"
	MsgWidgetInitialState   = "WIDGET_INITIAL_STATE"
	MsgWidgetConfigUpdate   = "WIDGET_CONFIG_UPDATE"
	MsgWidgetStateUpdate    = "WIDGET_STATE_UPDATE"
	MsgWidgetActionResponse = "WIDGET_ACTION_RESPONSE"
	MsgTaskUpdate           = "TASK_UPDATE"
)

// InboundMessage is a client frame. Action and Payload are only set for
// WIDGET_ACTION.
type InboundMessage struct {
	Type     string         `json:"type"`
	WidgetID string         `json:"widgetId"`
	Action   string         `json:"action,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// InitialStateMessage carries the full widget record, pushed eagerly on
// subscribe so a new subscriber never waits for the next mutation.
type InitialStateMessage struct {
	Type     string  `json:"type"`
	WidgetID string  `json:"widgetId"`
	Widget   *Widget `json:"widget"`
}

// ConfigUpdateMessage announces a config change to subscribers.
type ConfigUpdateMessage struct {
	Type     string         `json:"type"`
	WidgetID string         `json:"widgetId"`
	Config   map[string]any `json:"config"`
}

// StateUpdateMessage announces a state change to subscribers.
type StateUpdateMessage struct {
	Type      string         `json:"type"`
	WidgetID  string         `json:"widgetId"`
	State     map[string]any `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionResponseMessage is the synchronous reply to a WIDGET_ACTION frame.
type ActionResponseMessage struct {
	Type     string         `json:"type"`
	WidgetID string         `json:"widgetId"`
	Action   string         `json:"action"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// TaskUpdateMessage is broadcast to every connection of the task's owner.
// OldStatus lets clients diff without keeping history.
type TaskUpdateMessage struct {
	Type      string `json:"type"`
	Task      *Task  `json:"task"`
	OldStatus string `json:"old_status,omitempty"`
}

func NewInitialState(w *Widget) InitialStateMessage {
	return InitialStateMessage{Type: MsgWidgetInitialState, WidgetID: w.ID, Widget: w}
}

func NewConfigUpdate(w *Widget) ConfigUpdateMessage {
	return ConfigUpdateMessage{Type: MsgWidgetConfigUpdate, WidgetID: w.ID, Config: w.Config}
}

func NewStateUpdate(w *Widget) StateUpdateMessage {
	return StateUpdateMessage{Type: MsgWidgetStateUpdate, WidgetID: w.ID, State: w.State, Timestamp: w.UpdatedAt}
}

func NewTaskUpdate(t *Task, oldStatus string) TaskUpdateMessage {
	return TaskUpdateMessage{Type: MsgTaskUpdate, Task: t, OldStatus: oldStatus}
}
