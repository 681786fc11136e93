package domain

import (
	"context"
	"time"
)

// --- Authorization ---

// AuthType is the trust tier a connection was admitted under.
type AuthType string

const (
	// AuthFullAccess is a user-identity connection. It may subscribe to any
	// widget the user owns and invoke actions on them.
	AuthFullAccess AuthType = "FullAccess"
	// AuthWidgetAccess is bound to exactly one widget and is read-mostly:
	// it observes that widget and nothing else.
	AuthWidgetAccess AuthType = "WidgetAccess"
)

// AuthContext is the identity descriptor produced by token verification.
// It is attached to the connection record at creation and immutable after.
type AuthContext struct {
	AuthType AuthType
	UserID   string
	Email    string
	WidgetID string
}

// Decision is the allow/deny outcome handed to the transport layer's
// connect hook, with the auth context flattened into a map for later
// retrieval.
type Decision struct {
	Allow   bool
	Context map[string]string
}

// AuthContextFromMap rebuilds the identity descriptor from a decision's
// context map.
func AuthContextFromMap(m map[string]string) AuthContext {
	return AuthContext{
		AuthType: AuthType(m["authType"]),
		UserID:   m["userId"],
		Email:    m["email"],
		WidgetID: m["widgetId"],
	}
}

// --- Model types ---

// Connection is a logical client session. The id is assigned by the
// transport layer and opaque to everything else.
type Connection struct {
	ID               string
	AuthType         AuthType
	UserID           string
	WidgetID         string
	SubscribedWidgets []string
	ConnectedAt      time.Time
}

// BoundTo reports whether a WidgetAccess connection is bound to widgetID.
func (c *Connection) BoundTo(widgetID string) bool {
	return c.AuthType == AuthWidgetAccess && c.WidgetID == widgetID
}

// Widget is a stream widget record. Config and State are opaque
// type-specific documents; only the action engine interprets them.
type Widget struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	AccessToken string         `json:"access_token,omitempty"`
	Config      map[string]any `json:"config"`
	State       map[string]any `json:"state"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Task is a background job record owned by a user. Updates are broadcast
// to all of the owner's connections without subscription filtering.
type Task struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// --- Mutation feed ---

// EventKind distinguishes record creation from modification on the feed.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventModify EventKind = "MODIFY"
)

// WidgetEvent is one record on the widget mutation feed. Old is nil for
// inserts.
type WidgetEvent struct {
	Kind EventKind `json:"kind"`
	New  *Widget   `json:"new"`
	Old  *Widget   `json:"old,omitempty"`
}

// TaskEvent is one record on the task mutation feed. Old is nil for
// inserts.
type TaskEvent struct {
	Kind EventKind `json:"kind"`
	New  *Task     `json:"new"`
	Old  *Task     `json:"old,omitempty"`
}

// --- Interfaces ---

// ConnectionRepository is the durable connection store plus subscription
// bookkeeping. Records expire a fixed TTL after creation; expiry is
// advisory cleanup, not a correctness mechanism.
type ConnectionRepository interface {
	// Create inserts a connection record. Idempotent on retries with the
	// same connection id.
	Create(ctx context.Context, conn Connection) error
	// Remove deletes a record. Removing a missing record is not an error.
	Remove(ctx context.Context, connectionID string) error
	// Get returns the record with its subscription set populated, or
	// ErrNotFound.
	Get(ctx context.Context, connectionID string) (*Connection, error)
	// Subscribe adds widgetID to the connection's subscription set.
	// No-op if already present; ErrNotFound if the record is gone.
	Subscribe(ctx context.Context, connectionID, widgetID string) error
	// Unsubscribe removes widgetID from the set. No-op if absent.
	Unsubscribe(ctx context.Context, connectionID, widgetID string) error
	// ListByUser returns all connections belonging to a user, subscription
	// sets populated.
	ListByUser(ctx context.Context, userID string) ([]*Connection, error)
	// ListBoundToWidget returns ids of WidgetAccess connections bound to
	// the widget.
	ListBoundToWidget(ctx context.Context, widgetID string) ([]string, error)
}

// WidgetRepository is the external widget store interface. Reads and
// writes are atomic per key; there are no multi-key transactions.
type WidgetRepository interface {
	Get(ctx context.Context, widgetID string) (*Widget, error)
	// GetByAccessToken resolves a widget through the access-token
	// secondary index, or ErrNotFound.
	GetByAccessToken(ctx context.Context, token string) (*Widget, error)
	// UpdateState overwrites only the state document and bumps updated_at.
	UpdateState(ctx context.Context, widgetID string, state map[string]any) error
	// ListEnabledByType returns widgets of the given type whose state has
	// enabled=true. Used by the periodic updater.
	ListEnabledByType(ctx context.Context, widgetType string) ([]*Widget, error)
}

// Relay pushes a payload to one connection through the managed transport
// channel. A permanently unreachable recipient yields ErrRecipientGone.
type Relay interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// FeedPublisher appends mutation events to the ordered feed.
type FeedPublisher interface {
	PublishWidgetEvent(ctx context.Context, event WidgetEvent) error
	PublishTaskEvent(ctx context.Context, event TaskEvent) error
}
