package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type taskStore struct {
	db   *pgxpool.Pool
	psql squirrel.StatementBuilderType
	log  *zap.Logger
}

// NewTaskStore creates the postgres-backed task store.
func NewTaskStore(db *pgxpool.Pool, log *zap.Logger) port.TaskStore {
	return &taskStore{
		db:   db,
		psql: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log:  log,
	}
}

const taskColumns = `id, model, kind, parameters, status, progress, error_message, result_location, created_at, updated_at, started_at, finished_at`

func (s *taskStore) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, model, kind, parameters, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		task.ID, task.Model, task.Kind, task.Parameters,
		task.Status, task.Progress, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		s.log.Error("Failed to create task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *taskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)
	task, err := scanTask(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

func (s *taskStore) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE tasks SET status = $1, started_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	_, err := s.db.Exec(ctx, query,
		domain.TaskStatusProcessing, startedAt, time.Now(), id, domain.TaskStatusPending)
	return err
}

func (s *taskStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	query := `
		UPDATE tasks SET progress = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.Exec(ctx, query,
		progress, time.Now(), id, domain.TaskStatusProcessing)
	return err
}

// Complete transitions the task to done. Terminal status is sticky: the
// guard on the WHERE clause makes a late Complete after done/failed a
// no-op, reported through the returned bool.
func (s *taskStore) Complete(ctx context.Context, id, resultLocation string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, result_location = $2, progress = 100, finished_at = $3, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`
	tag, err := s.db.Exec(ctx, query,
		domain.TaskStatusDone, resultLocation, time.Now(), id,
		domain.TaskStatusPending, domain.TaskStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Fail transitions the task to failed under the same sticky-terminal
// guard as Complete.
func (s *taskStore) Fail(ctx context.Context, id, errorMessage string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, finished_at = $3, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`
	tag, err := s.db.Exec(ctx, query,
		domain.TaskStatusFailed, errorMessage, time.Now(), id,
		domain.TaskStatusPending, domain.TaskStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *taskStore) ListProcessing(ctx context.Context) ([]*domain.Task, error) {
	query, args, err := s.psql.
		Select(taskColumns).
		From("tasks").
		Where(squirrel.Eq{"status": domain.TaskStatusProcessing}).
		OrderBy("started_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.listTasks(ctx, query, args...)
}

func (s *taskStore) ListPending(ctx context.Context, model string) ([]*domain.Task, error) {
	builder := s.psql.
		Select(taskColumns).
		From("tasks").
		Where(squirrel.Eq{"status": domain.TaskStatusPending}).
		OrderBy("created_at ASC")
	if model != "" {
		builder = builder.Where(squirrel.Eq{"model": model})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return s.listTasks(ctx, query, args...)
}

func (s *taskStore) listTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t         domain.Task
		errMsg    *string
		resultLoc *string
	)
	if err := row.Scan(
		&t.ID, &t.Model, &t.Kind, &t.Parameters, &t.Status, &t.Progress,
		&errMsg, &resultLoc, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	if resultLoc != nil {
		t.ResultLocation = *resultLoc
	}
	return &t, nil
}
