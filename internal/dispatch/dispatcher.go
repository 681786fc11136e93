// Package dispatch fans mutation feed events out to the connections that
// should see them.
package dispatch

import (
	"context"
	"log/slog"
	"reflect"
	"slices"

	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

// MessageSender delivers one message to one connection.
type MessageSender interface {
	SendJSON(ctx context.Context, connectionID string, v any) error
}

// Dispatcher turns feed events into per-connection deliveries. Widget
// events reach subscribers of that widget, task events reach every
// connection of the task's owner. One dead recipient never blocks the
// rest of a fan-out.
type Dispatcher struct {
	connections domain.ConnectionRepository
	sender      MessageSender
}

func NewDispatcher(connections domain.ConnectionRepository, sender MessageSender) *Dispatcher {
	return &Dispatcher{connections: connections, sender: sender}
}

// HandleWidgetEvent diffs old against new and pushes CONFIG_UPDATE and/or
// STATE_UPDATE to the widget's audience. Inserts count as both changed.
func (d *Dispatcher) HandleWidgetEvent(ctx context.Context, event domain.WidgetEvent) {
	w := event.New

	configChanged := event.Kind == domain.EventInsert || event.Old == nil || !reflect.DeepEqual(w.Config, event.Old.Config)
	stateChanged := event.Kind == domain.EventInsert || event.Old == nil || !reflect.DeepEqual(w.State, event.Old.State)
	if !configChanged && !stateChanged {
		return
	}

	recipients, err := d.widgetAudience(ctx, w)
	if err != nil {
		slog.Error("Failed to resolve widget audience", "widget_id", w.ID, "error", err)
		return
	}
	metrics.FanoutRecipients.Observe(float64(len(recipients)))

	for _, connectionID := range recipients {
		if configChanged {
			d.push(ctx, connectionID, domain.NewConfigUpdate(w))
		}
		if stateChanged {
			d.push(ctx, connectionID, domain.NewStateUpdate(w))
		}
	}
}

// HandleTaskEvent broadcasts to all of the owner's connections, no
// subscription filtering.
func (d *Dispatcher) HandleTaskEvent(ctx context.Context, event domain.TaskEvent) {
	task := event.New

	conns, err := d.connections.ListByUser(ctx, task.UserID)
	if err != nil {
		slog.Error("Failed to list owner connections", "task_id", task.ID, "error", err)
		return
	}
	metrics.FanoutRecipients.Observe(float64(len(conns)))

	var oldStatus string
	if event.Old != nil {
		oldStatus = event.Old.Status
	}
	msg := domain.NewTaskUpdate(task, oldStatus)

	for _, conn := range conns {
		d.push(ctx, conn.ID, msg)
	}
}

// widgetAudience is the owner's subscribed connections plus every
// connection bound to the widget by its access token, deduplicated.
func (d *Dispatcher) widgetAudience(ctx context.Context, w *domain.Widget) ([]string, error) {
	ownerConns, err := d.connections.ListByUser(ctx, w.UserID)
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, conn := range ownerConns {
		if slices.Contains(conn.SubscribedWidgets, w.ID) {
			recipients = append(recipients, conn.ID)
		}
	}

	bound, err := d.connections.ListBoundToWidget(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range bound {
		if !slices.Contains(recipients, id) {
			recipients = append(recipients, id)
		}
	}
	return recipients, nil
}

func (d *Dispatcher) push(ctx context.Context, connectionID string, msg any) {
	if err := d.sender.SendJSON(ctx, connectionID, msg); err != nil {
		slog.Warn("Fan-out delivery failed", "connection_id", connectionID, "error", err)
	}
}
