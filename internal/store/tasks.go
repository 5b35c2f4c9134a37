package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkoppel/testrig/internal/model"
)

func (s *Store) insertTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks
		 (id, execution_id, worker_id, state, priority, payload, error,
		  assigned_at, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, nullIfEmpty(t.WorkerID), t.State, t.Priority, payload,
		t.Error, encodeTime(t.AssignedAt), encodeTime(t.StartedAt),
		encodeTime(t.CompletedAt), encodeTime(&t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, execution_id, worker_id, state, priority, payload, error,
	assigned_at, started_at, completed_at, created_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var (
		t                      model.Task
		workerID, payload      sql.NullString
		assignedAt, startedAt  sql.NullString
		completedAt, createdAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.ExecutionID, &workerID, &t.State, &t.Priority, &payload,
		&t.Error, &assignedAt, &startedAt, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.WorkerID = workerID.String
	if err := decodeJSON(payload, &t.Payload); err != nil {
		return nil, err
	}
	if t.AssignedAt, err = decodeTime(assignedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = decodeTime(completedAt); err != nil {
		return nil, err
	}
	if ts, err := decodeTime(createdAt); err == nil && ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// PendingTasks returns up to limit pending tasks ordered by priority
// descending, then creation time ascending.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = 'pending'
		 ORDER BY CASE priority
			WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0
		 END DESC, created_at ASC, id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksByParentExecution returns the tasks of a plan's child executions.
func (s *Store) TasksByParentExecution(ctx context.Context, parentID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.execution_id, t.worker_id, t.state, t.priority, t.payload, t.error,
			t.assigned_at, t.started_at, t.completed_at, t.created_at
		 FROM tasks t JOIN executions e ON e.id = t.execution_id
		 WHERE e.parent_id = ?
		 ORDER BY t.created_at ASC, t.id ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query sibling tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CancelStoppedTask cancels a pending task whose parent (or own) execution
// turned out to be stopped. A no-op when the task already left pending.
func (s *Store) CancelStoppedTask(ctx context.Context, taskID string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state model.TaskState
		err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, taskID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task state: %w", err)
		}
		if state != model.TaskPending {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, completed_at = ? WHERE id = ?`,
			model.TaskCancelled, encodeTime(&now), taskID)
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		return nil
	})
}

// BindOutcome is the result of a bind attempt.
type BindOutcome int

const (
	// Bound: the task is now assigned to the worker.
	Bound BindOutcome = iota
	// NotPending: another dispatcher invocation got there first.
	NotPending
	// CancelledOnBind: a stop landed between selection and bind; the task
	// was cancelled instead of assigned.
	CancelledOnBind
)

// BindTask assigns a pending task to a worker. The task's state, its
// execution's state, and its parent's state are all re-read inside the
// transaction; this is the sole defense against double assignment.
func (s *Store) BindTask(ctx context.Context, taskID, workerID string) (BindOutcome, error) {
	now := s.now()
	outcome := Bound
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			state       model.TaskState
			executionID string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, execution_id FROM tasks WHERE id = ?`, taskID).
			Scan(&state, &executionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if state != model.TaskPending {
			outcome = NotPending
			return nil
		}

		var execState model.ExecutionState
		var parentID sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT state, parent_id FROM executions WHERE id = ?`, executionID).
			Scan(&execState, &parentID)
		if err != nil {
			return fmt.Errorf("read execution: %w", err)
		}
		stopped := execState == model.ExecutionStopped
		if !stopped && parentID.Valid {
			var parentState model.ExecutionState
			err = tx.QueryRowContext(ctx,
				`SELECT state FROM executions WHERE id = ?`, parentID.String).
				Scan(&parentState)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("read parent execution: %w", err)
			}
			stopped = parentState == model.ExecutionStopped
		}
		if stopped {
			outcome = CancelledOnBind
			_, err = tx.ExecContext(ctx,
				`UPDATE tasks SET state = ?, completed_at = ? WHERE id = ?`,
				model.TaskCancelled, encodeTime(&now), taskID)
			if err != nil {
				return fmt.Errorf("cancel task on bind: %w", err)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, worker_id = ?, assigned_at = ? WHERE id = ?`,
			model.TaskAssigned, workerID, encodeTime(&now), taskID)
		if err != nil {
			return fmt.Errorf("bind task: %w", err)
		}
		// Best-effort counter; the dispatcher trusts the live aggregate.
		_, err = tx.ExecContext(ctx,
			`UPDATE workers SET current_tasks = current_tasks + 1 WHERE id = ?`, workerID)
		if err != nil {
			return fmt.Errorf("bump worker counter: %w", err)
		}
		return nil
	})
	return outcome, err
}

// ReleaseBind rolls an assignment back after a publish failure: the task
// returns to pending and the worker counter is decremented.
func (s *Store) ReleaseBind(ctx context.Context, taskID, workerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, worker_id = NULL, assigned_at = NULL
			 WHERE id = ? AND state = ?`,
			model.TaskPending, taskID, model.TaskAssigned)
		if err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workers SET current_tasks = MAX(0, current_tasks - 1) WHERE id = ?`, workerID)
		if err != nil {
			return fmt.Errorf("release worker counter: %w", err)
		}
		return nil
	})
}

// MarkTaskRunning transitions an assigned task (and its execution) to
// running. Called when an agent reports it began executing; a no-op for
// any state but assigned.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state model.TaskState
		var executionID string
		err := tx.QueryRowContext(ctx,
			`SELECT state, execution_id FROM tasks WHERE id = ?`, taskID).
			Scan(&state, &executionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if state != model.TaskAssigned {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, started_at = ? WHERE id = ?`,
			model.TaskRunning, encodeTime(&now), taskID); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET state = ?, started_at = COALESCE(started_at, ?)
			 WHERE id = ? AND state = 'pending'`,
			model.ExecutionRunning, encodeTime(&now), executionID); err != nil {
			return fmt.Errorf("mark execution running: %w", err)
		}
		return nil
	})
}

// ResultApplication describes what ApplyResult did.
type ResultApplication struct {
	Applied         bool // false when the task was already terminal
	ExecutionID     string
	ParentExecution string // non-empty when plan aggregation should run
}

// ApplyResult writes a task's terminal result. Idempotent: the terminal
// state is written once, keyed by task id; a redelivered report is a no-op.
func (s *Store) ApplyResult(ctx context.Context, taskID string, report *model.TaskResultReport) (ResultApplication, error) {
	var app ResultApplication
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			state       model.TaskState
			executionID string
			workerID    sql.NullString
			startedAt   sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, execution_id, worker_id, started_at FROM tasks WHERE id = ?`, taskID).
			Scan(&state, &executionID, &workerID, &startedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		app.ExecutionID = executionID

		var execState model.ExecutionState
		var parentID sql.NullString
		var execStarted sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT state, parent_id, started_at FROM executions WHERE id = ?`, executionID).
			Scan(&execState, &parentID, &execStarted)
		if err != nil {
			return fmt.Errorf("read execution: %w", err)
		}
		app.ParentExecution = parentID.String

		if state.Terminal() {
			return nil // duplicate report
		}

		var taskState model.TaskState
		var nextExecState model.ExecutionState
		switch report.Status {
		case model.ResultCompleted:
			taskState = model.TaskCompleted
			nextExecState = model.ExecutionCompleted
		case model.ResultFailed:
			taskState = model.TaskFailed
			nextExecState = model.ExecutionFailed
		case model.ResultCancelled:
			taskState = model.TaskCancelled
			nextExecState = model.ExecutionStopped
		default:
			return fmt.Errorf("unknown result status %q", report.Status)
		}

		taskErr := ""
		if report.Status == model.ResultFailed {
			taskErr = report.Message
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, error = ?, completed_at = ?,
				started_at = COALESCE(started_at, ?)
			 WHERE id = ?`,
			taskState, taskErr, encodeTime(&now), encodeTime(&now), taskID); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}

		// A stop already recorded on the execution wins over the report.
		if execState != model.ExecutionStopped {
			passed, failed := 0, 0
			for _, step := range report.Steps {
				if step.Success {
					passed++
				} else {
					failed++
				}
			}
			result := &model.ExecutionResult{
				Success:  report.Status == model.ResultCompleted,
				Message:  report.Message,
				Total:    len(report.Steps),
				Passed:   passed,
				Failed:   failed,
				Steps:    report.Steps,
				Logs:     report.Logs,
				Duration: report.Duration,
			}
			// Keep screenshots already attached through the upload path.
			var raw sql.NullString
			if err := tx.QueryRowContext(ctx,
				`SELECT result FROM executions WHERE id = ?`, executionID).Scan(&raw); err != nil {
				return fmt.Errorf("read prior result: %w", err)
			}
			var prior model.ExecutionResult
			if err := decodeJSON(raw, &prior); err != nil {
				return err
			}
			result.Screenshots = prior.Screenshots

			encoded, err := encodeJSON(result)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE executions SET state = ?, result = ?, completed_at = ?,
					started_at = COALESCE(started_at, ?)
				 WHERE id = ?`,
				nextExecState, encoded, encodeTime(&now), encodeTime(&now), executionID); err != nil {
				return fmt.Errorf("finish execution: %w", err)
			}
		}

		if workerID.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE workers SET current_tasks = MAX(0, current_tasks - 1) WHERE id = ?`,
				workerID.String); err != nil {
				return fmt.Errorf("release worker counter: %w", err)
			}
		}

		app.Applied = true
		return nil
	})
	return app, err
}

// AssignedTaskCount returns how many tasks are bound to a worker but not
// yet reported done. Returned to the agent in heartbeat responses.
func (s *Store) AssignedTaskCount(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE worker_id = ? AND state IN ('assigned', 'running')`,
		workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assigned tasks: %w", err)
	}
	return n, nil
}

// RequeueTask force-releases an assigned or running task back to pending
// (operator-triggered redistribution after a worker failure).
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state model.TaskState
		var workerID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT state, worker_id FROM tasks WHERE id = ?`, taskID).
			Scan(&state, &workerID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if state != model.TaskAssigned && state != model.TaskRunning {
			return fmt.Errorf("%w: task %s is %q", ErrInvalidState, taskID, state)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = 'pending', worker_id = NULL,
				assigned_at = NULL, started_at = NULL WHERE id = ?`, taskID); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		if workerID.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE workers SET current_tasks = MAX(0, current_tasks - 1) WHERE id = ?`,
				workerID.String); err != nil {
				return fmt.Errorf("release worker counter: %w", err)
			}
		}
		return nil
	})
}
