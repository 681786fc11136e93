package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/widgetsync/internal/domain"
)

const taskColumns = "id, user_id, status, payload, updated_at"

// TaskRepo stores background task records and publishes their mutations
// to the feed.
type TaskRepo struct {
	pool *pgxpool.Pool
	feed domain.FeedPublisher
}

func NewTaskRepo(pool *pgxpool.Pool, feed domain.FeedPublisher) *TaskRepo {
	return &TaskRepo{pool: pool, feed: feed}
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Status, &t.Payload, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

func (r *TaskRepo) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// Create inserts a task and publishes an INSERT event. Generated fields
// are written back into the argument.
func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO tasks (user_id, status, payload)
		VALUES ($1, $2, $3)
		RETURNING id, updated_at
	`, t.UserID, t.Status, t.Payload).Scan(&t.ID, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return r.feed.PublishTaskEvent(ctx, domain.TaskEvent{Kind: domain.EventInsert, New: t})
}

// UpdateStatus moves a task to a new status. The feed event carries the
// previous row so clients can see the old status.
func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID, status string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return err
	}

	updated, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+taskColumns,
		status, taskID))
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit task update: %w", err)
	}

	return r.feed.PublishTaskEvent(ctx, domain.TaskEvent{Kind: domain.EventModify, New: updated, Old: old})
}
