package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ActionEngine applies a widget action to a state document.
type ActionEngine interface {
	Transition(widgetType string, config, state map[string]any, action string, payload map[string]any) (map[string]any, error)
}

// MessageSender delivers one message to one connection.
type MessageSender interface {
	SendJSON(ctx context.Context, connectionID string, v any) error
}

// Service orchestrates all client-facing use cases. Widget actions are
// serialized per widget so two concurrent fetch-compute-write cycles on
// the same widget cannot interleave on this instance.
type Service struct {
	connections domain.ConnectionRepository
	widgets     domain.WidgetRepository
	engine      ActionEngine
	sender      MessageSender
	clock       clockwork.Clock

	fetchGroup  singleflight.Group
	widgetLocks keyedMutex
}

func NewService(connections domain.ConnectionRepository, widgets domain.WidgetRepository, engine ActionEngine, sender MessageSender, clock clockwork.Clock) *Service {
	return &Service{
		connections: connections,
		widgets:     widgets,
		engine:      engine,
		sender:      sender,
		clock:       clock,
	}
}

// Connect registers a new connection under the verified auth context.
func (s *Service) Connect(ctx context.Context, connectionID string, auth domain.AuthContext) error {
	conn := domain.Connection{
		ID:          connectionID,
		AuthType:    auth.AuthType,
		UserID:      auth.UserID,
		WidgetID:    auth.WidgetID,
		ConnectedAt: s.clock.Now().UTC(),
	}
	if err := s.connections.Create(ctx, conn); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	slog.Info("Connection established", "connection_id", connectionID, "auth_type", auth.AuthType)
	return nil
}

// Disconnect drops the connection record. Safe to call for connections
// that were already reaped.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	return s.connections.Remove(ctx, connectionID)
}

// Subscribe authorizes the connection for widgetID, records the
// subscription, and eagerly pushes the widget's full current record so
// the subscriber never waits for the next mutation.
func (s *Service) Subscribe(ctx context.Context, connectionID, widgetID string) error {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}

	w, err := s.authorizeWidget(ctx, conn, widgetID)
	if err != nil {
		return err
	}

	if err := s.connections.Subscribe(ctx, connectionID, widgetID); err != nil {
		return err
	}

	if err := s.sender.SendJSON(ctx, connectionID, domain.NewInitialState(sanitize(w))); err != nil {
		slog.Warn("Failed to push initial state", "connection_id", connectionID, "widget_id", widgetID, "error", err)
	}
	return nil
}

// Unsubscribe drops the subscription. Unsubscribing from a widget that
// was never subscribed is a no-op.
func (s *Service) Unsubscribe(ctx context.Context, connectionID, widgetID string) error {
	if _, err := s.connections.Get(ctx, connectionID); err != nil {
		return err
	}
	return s.connections.Unsubscribe(ctx, connectionID, widgetID)
}

// Action runs a widget action and persists the resulting state. The
// caller always receives a WIDGET_ACTION_RESPONSE frame; failures are
// reported there rather than through the returned error, which is
// reserved for a dead connection record.
func (s *Service) Action(ctx context.Context, connectionID, widgetID, action string, payload map[string]any) error {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}

	newState, err := s.runAction(ctx, conn, widgetID, action, payload)

	response := domain.ActionResponseMessage{
		Type:     domain.MsgWidgetActionResponse,
		WidgetID: widgetID,
		Action:   action,
	}
	if err != nil {
		metrics.WidgetActionsTotal.WithLabelValues(action, "failure").Inc()
		response.Error = errorMessage(err)
		slog.Warn("Widget action failed", "connection_id", connectionID, "widget_id", widgetID, "action", action, "error", err)
	} else {
		metrics.WidgetActionsTotal.WithLabelValues(action, "success").Inc()
		response.Success = true
		response.Result = newState
	}

	if err := s.sender.SendJSON(ctx, connectionID, response); err != nil {
		slog.Warn("Failed to send action response", "connection_id", connectionID, "error", err)
	}
	return nil
}

// runAction holds the per-widget lock across the whole fetch-compute-
// write cycle so concurrent actions cannot clobber each other's state.
func (s *Service) runAction(ctx context.Context, conn *domain.Connection, widgetID, action string, payload map[string]any) (map[string]any, error) {
	if conn.AuthType != domain.AuthFullAccess {
		return nil, domain.ErrForbidden
	}

	unlock := s.widgetLocks.lock(widgetID)
	defer unlock()

	w, err := s.widgets.Get(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	if w.UserID != conn.UserID {
		return nil, domain.ErrForbidden
	}

	newState, err := s.engine.Transition(w.Type, w.Config, w.State, action, payload)
	if err != nil {
		return nil, err
	}

	if err := s.widgets.UpdateState(ctx, widgetID, newState); err != nil {
		return nil, err
	}
	return newState, nil
}

// authorizeWidget checks that the connection may observe widgetID and
// returns the widget. WidgetAccess connections see only their bound
// widget; FullAccess connections see only widgets they own.
func (s *Service) authorizeWidget(ctx context.Context, conn *domain.Connection, widgetID string) (*domain.Widget, error) {
	if conn.AuthType == domain.AuthWidgetAccess {
		if conn.WidgetID != widgetID {
			return nil, domain.ErrForbidden
		}
		return s.fetchWidget(ctx, widgetID)
	}

	w, err := s.fetchWidget(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	if w.UserID != conn.UserID {
		return nil, domain.ErrForbidden
	}
	return w, nil
}

// fetchWidget collapses concurrent reads for the same widget, which
// matters when many viewers subscribe at once after a stream goes live.
func (s *Service) fetchWidget(ctx context.Context, widgetID string) (*domain.Widget, error) {
	v, err, _ := s.fetchGroup.Do(widgetID, func() (any, error) {
		return s.widgets.Get(ctx, widgetID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Widget), nil
}

// sanitize strips the access token before a record leaves the service.
func sanitize(w *domain.Widget) *domain.Widget {
	clean := *w
	clean.AccessToken = ""
	return &clean
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "widget not found"
	case errors.Is(err, domain.ErrUnsupportedWidgetType):
		return "unsupported widget type"
	case errors.Is(err, domain.ErrInvalidArgument):
		return err.Error()
	default:
		return "internal error"
	}
}
