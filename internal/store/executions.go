package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

// ErrInvalidState is returned when a lifecycle operation is not valid for
// the execution's current state.
var ErrInvalidState = errors.New("invalid execution state")

const displayIDRetries = 10

// newDisplayID issues a date-prefixed human id inside tx. Collisions with a
// concurrent insert surface as unique-constraint errors at insert time; the
// caller retries and finally falls back to a timestamp suffix.
func (s *Store) newDisplayID(ctx context.Context, tx *sql.Tx, attempt int) (string, error) {
	prefix := s.now().Format("20060102")
	if attempt >= displayIDRetries {
		return fmt.Sprintf("%s-%d", prefix, s.now().UnixNano()), nil
	}

	var last sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT display_id FROM executions WHERE display_id LIKE ? ORDER BY display_id DESC LIMIT 1`,
		prefix+"-%",
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("query last display id: %w", err)
	}

	next := 1
	if last.Valid {
		if idx := strings.LastIndexByte(last.String, '-'); idx >= 0 {
			if n, err := strconv.Atoi(last.String[idx+1:]); err == nil {
				next = n + 1
			}
		}
	}
	return fmt.Sprintf("%s-%03d", prefix, next+attempt), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) insertExecution(ctx context.Context, tx *sql.Tx, e *model.Execution) error {
	vars, err := encodeJSON(e.Variables)
	if err != nil {
		return err
	}
	bps, err := encodeJSON(e.Breakpoints)
	if err != nil {
		return err
	}
	result, err := encodeJSON(e.Result)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		displayID, err := s.newDisplayID(ctx, tx, attempt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO executions
			 (id, display_id, kind, mode, parent_id, plan_id, script_id, state, result,
			  variables, breakpoints, current_step, owner, started_at, completed_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, displayID, e.Kind, e.Mode, nullIfEmpty(e.ParentID), e.PlanID, e.ScriptID,
			e.State, nullIfEmpty(result), nullIfEmpty(vars), nullIfEmpty(bps),
			e.CurrentStep, e.Owner, encodeTime(e.StartedAt), encodeTime(e.CompletedAt),
			encodeTime(&e.CreatedAt),
		)
		if isUniqueViolation(err) && attempt <= displayIDRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		e.DisplayID = displayID
		return nil
	}
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// LaunchScript creates a pending script execution and its task.
func (s *Store) LaunchScript(ctx context.Context, scriptID string, overrides map[string]string, owner string) (*model.Execution, error) {
	script, err := s.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	vars, err := s.MergedVariables(ctx, script)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		vars[k] = v
	}

	now := s.now()
	exec := &model.Execution{
		ID:        model.NewID("exec"),
		Kind:      model.KindScript,
		ScriptID:  script.ID,
		State:     model.ExecutionPending,
		Variables: vars,
		Owner:     owner,
		CreatedAt: now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertExecution(ctx, tx, exec); err != nil {
			return err
		}
		task := buildTask(exec, script, vars, nil, "", 0, 0, "")
		return s.insertTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// LaunchPlan creates a pending plan execution, one child script execution
// per member, and one task per child. mode overrides the plan's own mode
// when non-empty.
func (s *Store) LaunchPlan(ctx context.Context, planID string, mode model.ExecutionMode, owner string) (*model.Execution, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = plan.Mode
	}
	if mode == "" {
		mode = model.ModeSequential
	}

	scripts := make([]*model.Script, 0, len(plan.ScriptIDs))
	scriptVars := make([]map[string]string, 0, len(plan.ScriptIDs))
	for _, id := range plan.ScriptIDs {
		sc, err := s.GetScript(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("plan member %s: %w", id, err)
		}
		vars, err := s.MergedVariables(ctx, sc)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sc)
		scriptVars = append(scriptVars, vars)
	}

	refs := make([]model.PlanScriptRef, len(scripts))
	for i, sc := range scripts {
		refs[i] = model.PlanScriptRef{
			ID: sc.ID, Name: sc.Name, Type: sc.Type,
			Framework: sc.Framework, StepCount: len(sc.Steps),
		}
	}

	now := s.now()
	parent := &model.Execution{
		ID:        model.NewID("exec"),
		Kind:      model.KindPlan,
		Mode:      mode,
		PlanID:    plan.ID,
		State:     model.ExecutionPending,
		Owner:     owner,
		CreatedAt: now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertExecution(ctx, tx, parent); err != nil {
			return err
		}
		for i, sc := range scripts {
			vars := scriptVars[i]
			child := &model.Execution{
				ID:        model.NewID("exec"),
				Kind:      model.KindScript,
				ParentID:  parent.ID,
				ScriptID:  sc.ID,
				State:     model.ExecutionPending,
				Variables: vars,
				Owner:     owner,
				CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			}
			if err := s.insertExecution(ctx, tx, child); err != nil {
				return err
			}
			task := buildTask(child, sc, vars, plan, mode, i, len(scripts), parent.ID)
			task.Payload.ScriptData.PlanScripts = refs
			if err := s.insertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parent, nil
}

// buildTask assembles the self-contained payload for one script execution.
func buildTask(exec *model.Execution, script *model.Script, vars map[string]string, plan *model.Plan, mode model.ExecutionMode, index, total int, parentID string) *model.Task {
	task := &model.Task{
		ID:          model.NewID("task"),
		ExecutionID: exec.ID,
		State:       model.TaskPending,
		Priority:    model.PriorityNormal,
		CreatedAt:   exec.CreatedAt,
	}
	data := model.ScriptData{
		ScriptID:    script.ID,
		Name:        script.Name,
		Description: script.Description,
		Type:        script.Type,
		Framework:   script.Framework,
		Steps:       script.Steps,
		Variables:   vars,
		Timeout:     script.Timeout,
		ProjectID:   script.ProjectID,
		ScriptIndex: index,
	}
	if plan != nil {
		data.PlanID = plan.ID
		data.PlanName = plan.Name
		data.ParentExecutionID = parentID
		data.ExecutionMode = mode
		if data.ExecutionMode == "" {
			data.ExecutionMode = plan.Mode
		}
		data.TotalScripts = total
	}
	task.Payload = model.TaskPayload{
		TaskID:      task.ID,
		ExecutionID: exec.ID,
		BrowserType: script.BrowserType,
		Timeout:     script.Timeout,
		Variables:   vars,
		ScriptData:  data,
	}
	return task
}

func scanExecution(row interface{ Scan(...any) error }) (*model.Execution, error) {
	var (
		e                                 model.Execution
		mode, parent                      sql.NullString
		result, vars, bps                 sql.NullString
		startedAt, completedAt, createdAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.DisplayID, &e.Kind, &mode, &parent, &e.PlanID, &e.ScriptID,
		&e.State, &result, &vars, &bps, &e.CurrentStep, &e.Owner,
		&startedAt, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Mode = model.ExecutionMode(mode.String)
	e.ParentID = parent.String
	if err := decodeJSON(result, &e.Result); err != nil {
		return nil, err
	}
	if err := decodeJSON(vars, &e.Variables); err != nil {
		return nil, err
	}
	if err := decodeJSON(bps, &e.Breakpoints); err != nil {
		return nil, err
	}
	if e.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = decodeTime(completedAt); err != nil {
		return nil, err
	}
	if t, err := decodeTime(createdAt); err == nil && t != nil {
		e.CreatedAt = *t
	}
	return &e, nil
}

const executionColumns = `id, display_id, kind, mode, parent_id, plan_id, script_id, state,
	result, variables, breakpoints, current_step, owner, started_at, completed_at, created_at`

// GetExecution returns one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ChildExecutions returns the children of a plan execution in creation order.
func (s *Store) ChildExecutions(ctx context.Context, parentID string) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE parent_id = ? ORDER BY created_at ASC, id ASC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExecutions returns top-level executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE parent_id IS NULL
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkExecutionStopped records stop intent: the one authoritative write all
// later checks read. Valid only from pending, running, or paused.
func (s *Store) MarkExecutionStopped(ctx context.Context, id string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state model.ExecutionState
		err := tx.QueryRowContext(ctx, `SELECT state FROM executions WHERE id = ?`, id).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read execution state: %w", err)
		}
		switch state {
		case model.ExecutionPending, model.ExecutionRunning, model.ExecutionPaused:
		default:
			return fmt.Errorf("%w: cannot stop execution in state %q", ErrInvalidState, state)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE executions SET state = ?, completed_at = ? WHERE id = ?`,
			model.ExecutionStopped, encodeTime(&now), id)
		if err != nil {
			return fmt.Errorf("mark stopped: %w", err)
		}
		return nil
	})
}

// stopAnnotation is merged into an execution's result when a user stop
// cancels it mid-flight.
func stopAnnotation(now time.Time) *model.ExecutionResult {
	return &model.ExecutionResult{
		Success:   false,
		Message:   "user stopped",
		StoppedAt: &now,
	}
}

// CancelChildren cancels every non-terminal child of a stopped plan and
// their tasks, releasing worker counters for in-flight tasks. Returns the
// number of child executions cancelled.
func (s *Store) CancelChildren(ctx context.Context, parentID string) (int, error) {
	now := s.now()
	cancelled := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, state FROM executions WHERE parent_id = ?
			 AND state IN ('pending', 'running', 'paused')`, parentID)
		if err != nil {
			return fmt.Errorf("query stoppable children: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id, state string
			if err := rows.Scan(&id, &state); err != nil {
				rows.Close()
				return fmt.Errorf("scan child: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := cancelExecutionTx(ctx, tx, id, now); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

// CancelExecutionTasks stops a single script execution's in-flight tasks
// (the single-script half of the stop flow; the execution row itself was
// already marked stopped).
func (s *Store) CancelExecutionTasks(ctx context.Context, executionID string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return cancelTasksTx(ctx, tx, executionID, now)
	})
}

// cancelExecutionTx stops one child execution and its tasks inside tx.
func cancelExecutionTx(ctx context.Context, tx *sql.Tx, executionID string, now time.Time) error {
	annotation, err := encodeJSON(stopAnnotation(now))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET state = ?, result = ?, completed_at = ? WHERE id = ?`,
		model.ExecutionStopped, annotation, encodeTime(&now), executionID)
	if err != nil {
		return fmt.Errorf("stop child execution: %w", err)
	}
	return cancelTasksTx(ctx, tx, executionID, now)
}

// cancelTasksTx cancels an execution's non-terminal tasks and decrements
// worker counters for those that were in flight.
func cancelTasksTx(ctx context.Context, tx *sql.Tx, executionID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, worker_id, state FROM tasks WHERE execution_id = ?
		 AND state IN ('pending', 'assigned', 'running')`, executionID)
	if err != nil {
		return fmt.Errorf("query cancellable tasks: %w", err)
	}
	type victim struct {
		id       string
		workerID string
		inFlight bool
	}
	var victims []victim
	for rows.Next() {
		var (
			id       string
			workerID sql.NullString
			state    model.TaskState
		)
		if err := rows.Scan(&id, &workerID, &state); err != nil {
			rows.Close()
			return fmt.Errorf("scan task: %w", err)
		}
		victims = append(victims, victim{
			id:       id,
			workerID: workerID.String,
			inFlight: state == model.TaskAssigned || state == model.TaskRunning,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, completed_at = ? WHERE id = ?`,
			model.TaskCancelled, encodeTime(&now), v.id)
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if v.inFlight && v.workerID != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE workers SET current_tasks = MAX(0, current_tasks - 1) WHERE id = ?`,
				v.workerID)
			if err != nil {
				return fmt.Errorf("release worker counter: %w", err)
			}
		}
	}
	return nil
}

// PlanRollup is the outcome of recomputing a plan's state from its children.
type PlanRollup struct {
	State    model.ExecutionState
	Terminal bool
	Changed  bool
}

// AggregatePlan recomputes a parent plan's state from its children's states.
// A stopped parent is left untouched: stop intent wins over late results.
func (s *Store) AggregatePlan(ctx context.Context, parentID string) (PlanRollup, error) {
	var rollup PlanRollup
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state model.ExecutionState
		var startedAt sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT state, started_at FROM executions WHERE id = ?`, parentID).
			Scan(&state, &startedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read parent: %w", err)
		}
		if state == model.ExecutionStopped {
			rollup.State = state
			rollup.Terminal = true
			return nil
		}

		var active, completed, failed int
		err = tx.QueryRowContext(ctx,
			`SELECT
				COUNT(CASE WHEN state IN ('pending', 'running') THEN 1 END),
				COUNT(CASE WHEN state = 'completed' THEN 1 END),
				COUNT(CASE WHEN state = 'failed' THEN 1 END)
			 FROM executions WHERE parent_id = ?`, parentID).
			Scan(&active, &completed, &failed)
		if err != nil {
			return fmt.Errorf("count children: %w", err)
		}

		next := model.ExecutionRunning
		if active == 0 {
			if failed == 0 {
				next = model.ExecutionCompleted
			} else {
				next = model.ExecutionFailed
			}
		}

		rollup.State = next
		rollup.Terminal = next.Terminal()
		rollup.Changed = next != state

		if !rollup.Changed {
			return nil
		}
		if next == model.ExecutionRunning {
			if startedAt.Valid {
				_, err = tx.ExecContext(ctx,
					`UPDATE executions SET state = ? WHERE id = ?`, next, parentID)
			} else {
				_, err = tx.ExecContext(ctx,
					`UPDATE executions SET state = ?, started_at = ? WHERE id = ?`,
					next, encodeTime(&now), parentID)
			}
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE executions SET state = ?, completed_at = ? WHERE id = ?`,
				next, encodeTime(&now), parentID)
		}
		if err != nil {
			return fmt.Errorf("update parent state: %w", err)
		}
		return nil
	})
	return rollup, err
}

// AttachScreenshot appends a stored screenshot path to the execution result
// of the task's execution.
func (s *Store) AttachScreenshot(ctx context.Context, taskID, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var executionID string
		err := tx.QueryRowContext(ctx, `SELECT execution_id FROM tasks WHERE id = ?`, taskID).
			Scan(&executionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}

		var raw sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT result FROM executions WHERE id = ?`, executionID).Scan(&raw); err != nil {
			return fmt.Errorf("read execution result: %w", err)
		}
		var result model.ExecutionResult
		if err := decodeJSON(raw, &result); err != nil {
			return err
		}
		result.Screenshots = append(result.Screenshots, path)
		encoded, err := encodeJSON(&result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET result = ? WHERE id = ?`, encoded, executionID); err != nil {
			return fmt.Errorf("attach screenshot: %w", err)
		}
		return nil
	})
}
