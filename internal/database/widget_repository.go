package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/widgetsync/internal/domain"
)

const widgetColumns = "id, user_id, type, access_token, config, state, updated_at"

// WidgetRepo implements domain.WidgetRepository on PostgreSQL. Writes go
// through a transaction that captures the previous row, then publish a
// feed event carrying both versions.
type WidgetRepo struct {
	pool *pgxpool.Pool
	feed domain.FeedPublisher
}

func NewWidgetRepo(pool *pgxpool.Pool, feed domain.FeedPublisher) *WidgetRepo {
	return &WidgetRepo{pool: pool, feed: feed}
}

func scanWidget(row pgx.Row) (*domain.Widget, error) {
	var w domain.Widget
	err := row.Scan(&w.ID, &w.UserID, &w.Type, &w.AccessToken, &w.Config, &w.State, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan widget: %w", err)
	}
	return &w, nil
}

func (r *WidgetRepo) Get(ctx context.Context, widgetID string) (*domain.Widget, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE id = $1`, widgetID)
	return scanWidget(row)
}

func (r *WidgetRepo) GetByAccessToken(ctx context.Context, token string) (*domain.Widget, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE access_token = $1`, token)
	return scanWidget(row)
}

// Create inserts a widget and publishes an INSERT event. Generated fields
// (id, access_token, updated_at) are written back into the argument.
func (r *WidgetRepo) Create(ctx context.Context, w *domain.Widget) error {
	if w.Config == nil {
		w.Config = map[string]any{}
	}
	if w.State == nil {
		w.State = map[string]any{}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO widgets (user_id, type, config, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, access_token, updated_at
	`, w.UserID, w.Type, w.Config, w.State).Scan(&w.ID, &w.AccessToken, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert widget: %w", err)
	}

	return r.feed.PublishWidgetEvent(ctx, domain.WidgetEvent{Kind: domain.EventInsert, New: w})
}

// UpdateState overwrites the state document and bumps updated_at. The
// previous row rides along on the feed event so the dispatcher can tell
// state changes from config changes.
func (r *WidgetRepo) UpdateState(ctx context.Context, widgetID string, state map[string]any) error {
	old, updated, err := r.updateColumn(ctx, widgetID, "state", state)
	if err != nil {
		return err
	}
	return r.feed.PublishWidgetEvent(ctx, domain.WidgetEvent{Kind: domain.EventModify, New: updated, Old: old})
}

// UpdateConfig overwrites the config document and bumps updated_at.
func (r *WidgetRepo) UpdateConfig(ctx context.Context, widgetID string, config map[string]any) error {
	old, updated, err := r.updateColumn(ctx, widgetID, "config", config)
	if err != nil {
		return err
	}
	return r.feed.PublishWidgetEvent(ctx, domain.WidgetEvent{Kind: domain.EventModify, New: updated, Old: old})
}

// updateColumn replaces one jsonb column inside a transaction so the old
// row is a consistent snapshot of what the write replaced.
func (r *WidgetRepo) updateColumn(ctx context.Context, widgetID, column string, value map[string]any) (old, updated *domain.Widget, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err = scanWidget(tx.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE id = $1 FOR UPDATE`, widgetID))
	if err != nil {
		return nil, nil, err
	}

	// column is one of two compile-time constants, never user input.
	updated, err = scanWidget(tx.QueryRow(ctx, `
		UPDATE widgets SET `+column+` = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+widgetColumns,
		value, widgetID))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit widget update: %w", err)
	}
	return old, updated, nil
}

func (r *WidgetRepo) ListEnabledByType(ctx context.Context, widgetType string) ([]*domain.Widget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+widgetColumns+` FROM widgets
		WHERE type = $1 AND (state->>'enabled')::boolean IS TRUE
		ORDER BY id
	`, widgetType)
	if err != nil {
		return nil, fmt.Errorf("failed to list widgets: %w", err)
	}
	defer rows.Close()

	var widgets []*domain.Widget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, err
		}
		widgets = append(widgets, w)
	}
	return widgets, rows.Err()
}
