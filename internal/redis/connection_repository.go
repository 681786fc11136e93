package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// connectionTTL bounds the lifetime of a connection record. Expiry is
// advisory cleanup; disconnects and reaping remove records much earlier.
const connectionTTL = 24 * time.Hour

// Redis hash field names for connection keys.
const (
	fieldAuthType    = "auth_type"
	fieldUserID      = "user_id"
	fieldWidgetID    = "widget_id"
	fieldConnectedAt = "connected_at"
)

func connectionKey(id string) string   { return "conn:" + id }
func subscriptionKey(id string) string { return "subs:" + id }
func userIndexKey(userID string) string {
	return "user_conns:" + userID
}
func widgetIndexKey(widgetID string) string {
	return "widget_conns:" + widgetID
}

// ConnectionRepo implements domain.ConnectionRepository backed by Redis.
type ConnectionRepo struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

func NewConnectionRepo(rdb *goredis.Client, clock clockwork.Clock) *ConnectionRepo {
	return &ConnectionRepo{rdb: rdb, clock: clock}
}

// Create inserts a connection record with the fixed TTL. Overwriting an
// existing record with the same id is a no-op, which makes retries safe.
func (r *ConnectionRepo) Create(ctx context.Context, conn domain.Connection) error {
	ck := connectionKey(conn.ID)

	fields := map[string]any{
		fieldAuthType:    string(conn.AuthType),
		fieldConnectedAt: conn.ConnectedAt.UTC().Format(time.RFC3339),
	}
	if conn.UserID != "" {
		fields[fieldUserID] = conn.UserID
	}
	if conn.WidgetID != "" {
		fields[fieldWidgetID] = conn.WidgetID
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, ck, fields)
	pipe.Expire(ctx, ck, connectionTTL)
	if conn.UserID != "" {
		pipe.SAdd(ctx, userIndexKey(conn.UserID), conn.ID)
	}
	if conn.WidgetID != "" {
		pipe.SAdd(ctx, widgetIndexKey(conn.WidgetID), conn.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}
	return nil
}

// Remove deletes a connection record and its index entries. Removing a
// missing record is not an error.
func (r *ConnectionRepo) Remove(ctx context.Context, connectionID string) error {
	ck := connectionKey(connectionID)

	record, err := r.rdb.HGetAll(ctx, ck).Result()
	if err != nil {
		return fmt.Errorf("failed to read connection for removal: %w", err)
	}

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, ck)
	pipe.Del(ctx, subscriptionKey(connectionID))
	if userID := record[fieldUserID]; userID != "" {
		pipe.SRem(ctx, userIndexKey(userID), connectionID)
	}
	if widgetID := record[fieldWidgetID]; widgetID != "" {
		pipe.SRem(ctx, widgetIndexKey(widgetID), connectionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

// Get returns the record with its subscription set populated.
func (r *ConnectionRepo) Get(ctx context.Context, connectionID string) (*domain.Connection, error) {
	record, err := r.rdb.HGetAll(ctx, connectionKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read connection: %w", err)
	}
	if len(record) == 0 {
		return nil, domain.ErrNotFound
	}

	subs, err := r.rdb.SMembers(ctx, subscriptionKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}

	conn := &domain.Connection{
		ID:                connectionID,
		AuthType:          domain.AuthType(record[fieldAuthType]),
		UserID:            record[fieldUserID],
		WidgetID:          record[fieldWidgetID],
		SubscribedWidgets: subs,
	}
	if ts := record[fieldConnectedAt]; ts != "" {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			conn.ConnectedAt = at
		}
	}
	return conn, nil
}

// Subscribe adds widgetID to the connection's subscription set. Fails with
// domain.ErrNotFound when the record is gone; adding an already-present
// widget is a no-op. The subscription set inherits the record's remaining
// TTL so it never outlives it.
func (r *ConnectionRepo) Subscribe(ctx context.Context, connectionID, widgetID string) error {
	ck := connectionKey(connectionID)

	ttl, err := r.rdb.TTL(ctx, ck).Result()
	if err != nil {
		return fmt.Errorf("failed to check connection: %w", err)
	}
	if ttl < 0 {
		// -2: key missing. -1: no TTL set, which a connection record never
		// has, so treat it as missing too.
		return domain.ErrNotFound
	}

	sk := subscriptionKey(connectionID)
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, sk, widgetID)
	pipe.Expire(ctx, sk, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes widgetID from the set. No-op if absent.
func (r *ConnectionRepo) Unsubscribe(ctx context.Context, connectionID, widgetID string) error {
	if err := r.rdb.SRem(ctx, subscriptionKey(connectionID), widgetID).Err(); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	return nil
}

// ListByUser returns all live connections belonging to a user. Index
// entries whose record has expired are dropped from the index as a side
// effect.
func (r *ConnectionRepo) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	ids, err := r.rdb.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}

	connections := make([]*domain.Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := r.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			_ = r.rdb.SRem(ctx, userIndexKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, nil
}

// ListBoundToWidget returns ids of WidgetAccess connections bound to the
// widget, pruning stale index entries.
func (r *ConnectionRepo) ListBoundToWidget(ctx context.Context, widgetID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, widgetIndexKey(widgetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read widget index: %w", err)
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := r.rdb.Exists(ctx, connectionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check connection: %w", err)
		}
		if exists == 0 {
			_ = r.rdb.SRem(ctx, widgetIndexKey(widgetID), id).Err()
			continue
		}
		live = append(live, id)
	}
	return live, nil
}
