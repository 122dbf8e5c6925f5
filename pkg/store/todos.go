package store

import (
	"context"
	"fmt"

	"github.com/agentpipe/conductor/pkg/models"
)

// SyncTodos replaces a feature's todo list wholesale, used when the
// ralph-PRD runner (re)derives stories from a PRD (spec.md §4.5). Existing
// rows are deleted and replaced inside one transaction so readers never see
// a partial list.
func (s *Store) SyncTodos(ctx context.Context, featureID string, titles []string) ([]models.Todo, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sync todos: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM todos WHERE feature_id = $1`, featureID); err != nil {
		return nil, fmt.Errorf("clear todos: %w", err)
	}

	out := make([]models.Todo, 0, len(titles))
	for i, title := range titles {
		row := tx.QueryRow(ctx, `
			INSERT INTO todos (feature_id, order_index, title)
			VALUES ($1, $2, $3)
			RETURNING id, feature_id, order_index, title, status, created_at, updated_at`,
			featureID, i, title)

		var t models.Todo
		if err := row.Scan(&t.ID, &t.FeatureID, &t.OrderIndex, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert todo: %w", err)
		}
		out = append(out, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sync todos: %w", err)
	}
	return out, nil
}

// ListTodos returns a feature's todos in story order.
func (s *Store) ListTodos(ctx context.Context, featureID string) ([]models.Todo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, feature_id, order_index, title, status, created_at, updated_at
		FROM todos WHERE feature_id = $1 ORDER BY order_index`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var out []models.Todo
	for rows.Next() {
		var t models.Todo
		if err := rows.Scan(&t.ID, &t.FeatureID, &t.OrderIndex, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTodoDone flips one story's status to done, once its iteration's
// feedback commands all pass (spec.md §4.5).
func (s *Store) MarkTodoDone(ctx context.Context, todoID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE todos SET status = $2, updated_at = now() WHERE id = $1`,
		todoID, models.TodoStatusDone)
	if err != nil {
		return fmt.Errorf("mark todo done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTodoStatusByOrderIndex flips the status of the todo at orderIndex for
// a feature, used when a ralph-PRD story completes and its matching commit
// is found via (feature_id, order_index = story.id - 1) (spec.md §4.5 step
// 2).
func (s *Store) SetTodoStatusByOrderIndex(ctx context.Context, featureID string, orderIndex int, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE todos SET status = $3, updated_at = now() WHERE feature_id = $1 AND order_index = $2`,
		featureID, orderIndex, status)
	if err != nil {
		return fmt.Errorf("set todo status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncTodoStatusesFromStories bulk-sets every todo's status from a PRD's
// final story outcomes (story.passes ⇒ done, else pending), used at the end
// of a ralph-PRD job (spec.md §4.5 "End of job"). passingOrderIndexes holds
// the order_index (story.id - 1) of every passing story.
func (s *Store) SyncTodoStatusesFromStories(ctx context.Context, featureID string, passingOrderIndexes map[int]bool) error {
	todos, err := s.ListTodos(ctx, featureID)
	if err != nil {
		return fmt.Errorf("sync todo statuses: %w", err)
	}
	for _, t := range todos {
		status := models.TodoStatusPending
		if passingOrderIndexes[t.OrderIndex] {
			status = models.TodoStatusDone
		}
		if t.Status == status {
			continue
		}
		if err := s.SetTodoStatusByOrderIndex(ctx, featureID, t.OrderIndex, status); err != nil {
			return err
		}
	}
	return nil
}

// NextPendingTodo returns the lowest-order-index pending todo for a
// feature, or ErrNotFound if every story is done (spec.md §4.5 completion
// check).
func (s *Store) NextPendingTodo(ctx context.Context, featureID string) (*models.Todo, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, feature_id, order_index, title, status, created_at, updated_at
		FROM todos WHERE feature_id = $1 AND status = $2
		ORDER BY order_index LIMIT 1`, featureID, models.TodoStatusPending)

	var t models.Todo
	err := row.Scan(&t.ID, &t.FeatureID, &t.OrderIndex, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("next pending todo: %w", err)
	}
	return &t, nil
}
