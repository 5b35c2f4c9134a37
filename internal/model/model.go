// Package model defines the persistent records and wire types shared by the
// control plane and the agent: executions, tasks, workers, and the broker
// payload handed to an agent.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionKind distinguishes plan executions from single-script executions.
type ExecutionKind string

const (
	KindPlan   ExecutionKind = "plan"
	KindScript ExecutionKind = "script"
)

// ExecutionMode controls child ordering within a plan execution.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ExecutionState is the lifecycle state of an execution.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionStopped   ExecutionState = "stopped"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// TaskState is the lifecycle state of a task row.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority is an ordering weight for dispatch, not preemption.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Rank maps a priority to a numeric weight (higher dispatches first).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// WorkerState is the state an agent last reported for itself.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerOnline  WorkerState = "online"
	WorkerOffline WorkerState = "offline"
	WorkerBusy    WorkerState = "busy"
	WorkerError   WorkerState = "error"
)

// WorkerScope limits which projects a worker accepts tasks for.
type WorkerScope string

const (
	ScopeGlobal  WorkerScope = "global"
	ScopeProject WorkerScope = "project"
)

// LivenessWindow is how stale a heartbeat may be before the worker is
// ineligible for new assignments.
const LivenessWindow = 120 * time.Second

// StepRecord is the outcome of one executed script step.
type StepRecord struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Screenshot string `json:"screenshot,omitempty"`
}

// ExecutionResult is the structured result blob stored on an execution.
type ExecutionResult struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Steps       []StepRecord `json:"steps,omitempty"`
	Logs        []string     `json:"logs,omitempty"`
	Duration    float64      `json:"duration,omitempty"` // seconds
	Screenshots []string     `json:"screenshots,omitempty"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`
}

// Execution is one user-visible run record, either a plan or a single script.
type Execution struct {
	ID          string           `json:"id"`
	DisplayID   string           `json:"display_id"`
	Kind        ExecutionKind    `json:"kind"`
	Mode        ExecutionMode    `json:"mode,omitempty"`
	ParentID    string           `json:"parent_id,omitempty"`
	PlanID      string           `json:"plan_id,omitempty"`
	ScriptID    string           `json:"script_id,omitempty"`
	State       ExecutionState   `json:"state"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Breakpoints []int            `json:"breakpoints,omitempty"`
	CurrentStep int              `json:"current_step"`
	Owner       string           `json:"owner,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Task is one deliverable unit of work, 1:1 with a script execution.
type Task struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	WorkerID    string       `json:"worker_id,omitempty"`
	State       TaskState    `json:"state"`
	Priority    TaskPriority `json:"priority"`
	Payload     TaskPayload  `json:"payload"`
	Error       string       `json:"error,omitempty"`
	AssignedAt  *time.Time   `json:"assigned_at,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Worker is one registered executor machine.
type Worker struct {
	ID            string      `json:"id"`
	UUID          string      `json:"uuid"`
	Name          string      `json:"name"`
	State         WorkerState `json:"state"`
	Scope         WorkerScope `json:"scope"`
	BoundProjects []string    `json:"bound_projects,omitempty"`
	MaxConcurrent int         `json:"max_concurrent"`
	CurrentTasks  int         `json:"current_tasks"`
	Enabled       bool        `json:"enabled"`
	BrowserTypes  []string    `json:"browser_types,omitempty"`
	Platform      string      `json:"platform,omitempty"`
	Owner         string      `json:"owner,omitempty"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Online reports whether the worker's heartbeat is inside the liveness window.
func (w *Worker) Online(now time.Time) bool {
	return w.Enabled && w.LastHeartbeat != nil && now.Sub(*w.LastHeartbeat) < LivenessWindow
}

// Available reports whether the worker may receive new assignments.
func (w *Worker) Available(now time.Time) bool {
	if !w.Online(now) {
		return false
	}
	switch w.State {
	case WorkerIdle, WorkerOnline, WorkerBusy:
		return true
	default:
		return false
	}
}

// BoundTo reports whether a project-scoped worker is bound to the project.
func (w *Worker) BoundTo(projectID string) bool {
	for _, p := range w.BoundProjects {
		if p == projectID {
			return true
		}
	}
	return false
}

// VariableScope distinguishes project-level from script-level variables.
type VariableScope string

const (
	VariableProject VariableScope = "project"
	VariableScript  VariableScope = "script"
)

// Variable is a scoped key/value resolved into payloads at dispatch time.
type Variable struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Value     string        `json:"value"`
	Scope     VariableScope `json:"scope"`
	ProjectID string        `json:"project_id,omitempty"`
	ScriptID  string        `json:"script_id,omitempty"`
}

// Step is one automation step inside a script.
type Step struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Script is the minimal catalog record the core needs to build payloads.
type Script struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Framework   string `json:"framework,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	BrowserType string `json:"browser_type,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
	Steps       []Step `json:"steps"`
}

// Plan is a named group of scripts run together.
type Plan struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	ProjectID string        `json:"project_id,omitempty"`
	Mode      ExecutionMode `json:"mode"`
	ScriptIDs []string      `json:"script_ids"`
}

// Schedule is a cron-triggered plan or script run.
type Schedule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CronSpec  string        `json:"cron_spec"`
	PlanID    string        `json:"plan_id,omitempty"`
	ScriptID  string        `json:"script_id,omitempty"`
	Mode      ExecutionMode `json:"mode,omitempty"`
	Enabled   bool          `json:"enabled"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewID returns an opaque record id.
func NewID(prefix string) string {
	u := uuid.New().String()
	return prefix + "_" + strings.ReplaceAll(u[:13], "-", "")
}
