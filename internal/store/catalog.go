package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkoppel/testrig/internal/model"
)

// SaveScript inserts or replaces a script. An empty id gets one assigned.
func (s *Store) SaveScript(ctx context.Context, sc *model.Script) error {
	if sc.ID == "" {
		sc.ID = model.NewID("scr")
	}
	steps, err := encodeJSON(sc.Steps)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scripts
		 (id, name, description, type, framework, project_id, browser_type, timeout, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			type = excluded.type, framework = excluded.framework,
			project_id = excluded.project_id, browser_type = excluded.browser_type,
			timeout = excluded.timeout, steps = excluded.steps`,
		sc.ID, sc.Name, sc.Description, sc.Type, sc.Framework, sc.ProjectID,
		sc.BrowserType, sc.Timeout, steps, encodeTime(&now))
	if err != nil {
		return fmt.Errorf("save script: %w", err)
	}
	return nil
}

// GetScript returns one script by id.
func (s *Store) GetScript(ctx context.Context, id string) (*model.Script, error) {
	var (
		sc    model.Script
		steps sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, type, framework, project_id, browser_type, timeout, steps
		 FROM scripts WHERE id = ?`, id).
		Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Type, &sc.Framework,
			&sc.ProjectID, &sc.BrowserType, &sc.Timeout, &steps)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	if err := decodeJSON(steps, &sc.Steps); err != nil {
		return nil, err
	}
	return &sc, nil
}

// SavePlan inserts or replaces a plan and its member list.
func (s *Store) SavePlan(ctx context.Context, p *model.Plan) error {
	if p.ID == "" {
		p.ID = model.NewID("plan")
	}
	if p.Mode == "" {
		p.Mode = model.ModeSequential
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plans (id, name, project_id, mode, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, project_id = excluded.project_id, mode = excluded.mode`,
			p.ID, p.Name, p.ProjectID, p.Mode, encodeTime(&now))
		if err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM plan_scripts WHERE plan_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clear plan members: %w", err)
		}
		for i, scriptID := range p.ScriptIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO plan_scripts (plan_id, script_id, position) VALUES (?, ?, ?)`,
				p.ID, scriptID, i); err != nil {
				return fmt.Errorf("save plan member: %w", err)
			}
		}
		return nil
	})
}

// GetPlan returns one plan with its ordered member ids.
func (s *Store) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, project_id, mode FROM plans WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.ProjectID, &p.Mode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT script_id FROM plan_scripts WHERE plan_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get plan members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scriptID string
		if err := rows.Scan(&scriptID); err != nil {
			return nil, fmt.Errorf("scan plan member: %w", err)
		}
		p.ScriptIDs = append(p.ScriptIDs, scriptID)
	}
	return &p, rows.Err()
}

// SaveVariable inserts or replaces a scoped variable.
func (s *Store) SaveVariable(ctx context.Context, v *model.Variable) error {
	if v.ID == "" {
		v.ID = model.NewID("var")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variables (id, name, value, scope, project_id, script_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, value = excluded.value, scope = excluded.scope,
			project_id = excluded.project_id, script_id = excluded.script_id`,
		v.ID, v.Name, v.Value, v.Scope, v.ProjectID, v.ScriptID)
	if err != nil {
		return fmt.Errorf("save variable: %w", err)
	}
	return nil
}

// MergedVariables resolves the variable map for a script: project-scoped
// values first, then script-scoped values on top.
func (s *Store) MergedVariables(ctx context.Context, sc *model.Script) (map[string]string, error) {
	out := map[string]string{}
	if sc.ProjectID != "" {
		if err := s.collectVariables(ctx, out,
			`SELECT name, value FROM variables WHERE scope = 'project' AND project_id = ?`,
			sc.ProjectID); err != nil {
			return nil, err
		}
	}
	if err := s.collectVariables(ctx, out,
		`SELECT name, value FROM variables WHERE scope = 'script' AND script_id = ?`,
		sc.ID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) collectVariables(ctx context.Context, into map[string]string, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query variables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("scan variable: %w", err)
		}
		into[name] = value
	}
	return rows.Err()
}

// SaveSchedule inserts or replaces a schedule.
func (s *Store) SaveSchedule(ctx context.Context, sch *model.Schedule) error {
	if sch.ID == "" {
		sch.ID = model.NewID("sched")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules
		 (id, name, cron_spec, plan_id, script_id, mode, enabled, last_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, cron_spec = excluded.cron_spec,
			plan_id = excluded.plan_id, script_id = excluded.script_id,
			mode = excluded.mode, enabled = excluded.enabled`,
		sch.ID, sch.Name, sch.CronSpec, sch.PlanID, sch.ScriptID, sch.Mode,
		boolInt(sch.Enabled), encodeTime(sch.LastRunAt), encodeTime(&now))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// EnabledSchedules returns every enabled schedule.
func (s *Store) EnabledSchedules(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_spec, plan_id, script_id, mode, enabled, last_run_at, created_at
		 FROM schedules WHERE enabled = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		var (
			sch                  model.Schedule
			enabled              int
			lastRunAt, createdAt sql.NullString
		)
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.CronSpec, &sch.PlanID,
			&sch.ScriptID, &sch.Mode, &enabled, &lastRunAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sch.Enabled = enabled != 0
		if sch.LastRunAt, err = decodeTime(lastRunAt); err != nil {
			return nil, err
		}
		if t, err := decodeTime(createdAt); err == nil && t != nil {
			sch.CreatedAt = *t
		}
		out = append(out, &sch)
	}
	return out, rows.Err()
}

// TouchSchedule records a schedule's last trigger time.
func (s *Store) TouchSchedule(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, encodeTime(&now), id)
	if err != nil {
		return fmt.Errorf("touch schedule: %w", err)
	}
	return nil
}
