package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mkoppel/testrig/internal/model"
)

const (
	defaultMaxConcurrent = 3
)

// RegisterWorker creates or refreshes a worker row keyed by its uuid.
// Re-registration after an agent restart updates the mutable fields and
// resets the counter; scope and project bindings are operator-managed and
// survive restarts.
func (s *Store) RegisterWorker(ctx context.Context, req *model.RegisterRequest) (*model.Worker, error) {
	now := s.now()
	var w *model.Worker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM workers WHERE uuid = ?`, req.ExecutorUUID).Scan(&id)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lookup worker: %w", err)
		}

		browsers, encErr := encodeJSON(req.BrowserTypes)
		if encErr != nil {
			return encErr
		}

		if err == sql.ErrNoRows {
			id = model.NewID("wrk")
			_, err = tx.ExecContext(ctx,
				`INSERT INTO workers
				 (id, uuid, name, state, scope, max_concurrent, current_tasks, enabled,
				  browser_types, platform, owner, last_heartbeat, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?)`,
				id, req.ExecutorUUID, req.ExecutorName, model.WorkerOnline,
				model.ScopeGlobal, defaultMaxConcurrent, nullIfEmpty(browsers),
				req.Platform, req.OwnerUsername, encodeTime(&now), encodeTime(&now))
			if err != nil {
				return fmt.Errorf("insert worker: %w", err)
			}
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE workers SET name = ?, state = ?, current_tasks = 0,
					browser_types = ?, platform = ?, owner = ?, last_heartbeat = ?
				 WHERE id = ?`,
				req.ExecutorName, model.WorkerOnline, nullIfEmpty(browsers),
				req.Platform, req.OwnerUsername, encodeTime(&now), id)
			if err != nil {
				return fmt.Errorf("refresh worker: %w", err)
			}
		}

		var scanErr error
		w, scanErr = getWorkerTx(ctx, tx, id)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// HeartbeatWorker records one heartbeat. The stored counter only moves up
// toward the reported value: the control plane's own increments from binds
// the agent has not seen yet must not be erased by a stale report.
func (s *Store) HeartbeatWorker(ctx context.Context, req *model.HeartbeatRequest) (*model.Worker, error) {
	now := s.now()
	var w *model.Worker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT id, current_tasks FROM workers WHERE uuid = ?`, req.ExecutorUUID).
			Scan(&id, &current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup worker: %w", err)
		}

		counter := current
		if req.CurrentTasks > counter {
			counter = req.CurrentTasks
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workers SET state = ?, current_tasks = ?, last_heartbeat = ? WHERE id = ?`,
			req.State, counter, encodeTime(&now), id)
		if err != nil {
			return fmt.Errorf("record heartbeat: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO worker_status_log
			 (worker_uuid, state, current_tasks, cpu_usage, memory_usage, disk_usage, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ExecutorUUID, req.State, req.CurrentTasks,
			req.CPUUsage, req.MemoryUsage, req.DiskUsage, req.Message, encodeTime(&now))
		if err != nil {
			return fmt.Errorf("log heartbeat: %w", err)
		}

		var scanErr error
		w, scanErr = getWorkerTx(ctx, tx, id)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

const workerColumns = `id, uuid, name, state, scope, bound_projects, max_concurrent,
	current_tasks, enabled, browser_types, platform, owner, last_heartbeat, created_at`

func scanWorker(row interface{ Scan(...any) error }) (*model.Worker, error) {
	var (
		w                        model.Worker
		bound, browsers          sql.NullString
		lastHeartbeat, createdAt sql.NullString
		enabled                  int
	)
	err := row.Scan(&w.ID, &w.UUID, &w.Name, &w.State, &w.Scope, &bound,
		&w.MaxConcurrent, &w.CurrentTasks, &enabled, &browsers,
		&w.Platform, &w.Owner, &lastHeartbeat, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.Enabled = enabled != 0
	if err := decodeJSON(bound, &w.BoundProjects); err != nil {
		return nil, err
	}
	if err := decodeJSON(browsers, &w.BrowserTypes); err != nil {
		return nil, err
	}
	if w.LastHeartbeat, err = decodeTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if t, err := decodeTime(createdAt); err == nil && t != nil {
		w.CreatedAt = *t
	}
	return &w, nil
}

func getWorkerTx(ctx context.Context, tx *sql.Tx, id string) (*model.Worker, error) {
	return scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
}

// GetWorker returns one worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	return scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
}

// GetWorkerByUUID returns one worker by its agent-side uuid.
func (s *Store) GetWorkerByUUID(ctx context.Context, uuid string) (*model.Worker, error) {
	return scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE uuid = ?`, uuid))
}

// ListWorkers returns all workers ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkerEnabled flips the operator enable flag.
func (s *Store) SetWorkerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET enabled = ? WHERE id = ?`,
		boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set worker enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// BindWorkerProjects makes a worker project-scoped (or global again when
// projects is empty).
func (s *Store) BindWorkerProjects(ctx context.Context, id string, projects []string) error {
	scope := model.ScopeProject
	if len(projects) == 0 {
		scope = model.ScopeGlobal
	}
	bound, err := encodeJSON(projects)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET scope = ?, bound_projects = ? WHERE id = ?`,
		scope, nullIfEmpty(bound), id)
	if err != nil {
		return fmt.Errorf("bind worker projects: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SelectWorker picks the target worker for a task. Project-scoped workers
// bound to the task's project are preferred over global ones; within a
// bucket the worker with the fewest live in-flight tasks wins, ids breaking
// ties. Capacity is advisory: a loaded worker is still selectable and the
// agent requeues what it cannot admit.
func (s *Store) SelectWorker(ctx context.Context, projectID string) (*model.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var eligible []*model.Worker
	for _, w := range workers {
		if !w.Available(now) {
			continue
		}
		if w.Scope == model.ScopeProject && !w.BoundTo(projectID) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil, ErrNotFound
	}

	live, err := s.liveTaskCounts(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		aBound := a.Scope == model.ScopeProject
		bBound := b.Scope == model.ScopeProject
		if aBound != bBound {
			return aBound
		}
		if live[a.ID] != live[b.ID] {
			return live[a.ID] < live[b.ID]
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}

// liveTaskCounts counts assigned and running tasks per worker. The task
// table, not the heartbeat counter, is the authority for load comparisons.
func (s *Store) liveTaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, COUNT(*) FROM tasks
		 WHERE worker_id IS NOT NULL AND state IN ('assigned', 'running')
		 GROUP BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("count live tasks: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan live count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}
