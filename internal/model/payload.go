package model

import "time"

// PlanScriptRef is a lightweight member entry inside a payload's plan view.
type PlanScriptRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Framework string `json:"framework,omitempty"`
	StepCount int    `json:"step_count"`
}

// ScriptData is the self-contained script descriptor inside a task payload.
// The plan fields are present iff the task belongs to a plan execution.
type ScriptData struct {
	ScriptID    string            `json:"script_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Framework   string            `json:"framework,omitempty"`
	Steps       []Step            `json:"steps"`
	Variables   map[string]string `json:"variables,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`

	PlanID            string          `json:"plan_id,omitempty"`
	PlanName          string          `json:"plan_name,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ExecutionMode     ExecutionMode   `json:"execution_mode,omitempty"`
	PlanScripts       []PlanScriptRef `json:"plan_scripts,omitempty"`
	ScriptIndex       int             `json:"script_index"`
	TotalScripts      int             `json:"total_scripts,omitempty"`
}

// TaskPayload is the JSON object published to tasks.exchange with routing
// key executor.{uuid}. It must be self-contained: the agent never reads
// control-plane rows.
type TaskPayload struct {
	TaskID      string            `json:"task_id"`
	ExecutionID string            `json:"execution_id"`
	BrowserType string            `json:"browser_type,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	ScriptData  ScriptData        `json:"script_data"`
}

// Sequential reports whether this payload belongs to a sequential plan.
func (p *TaskPayload) Sequential() bool {
	return p.ScriptData.ExecutionMode == ModeSequential && p.ScriptData.ParentExecutionID != ""
}

// ResultStatus is the terminal status an agent reports for a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// TaskResultReport is the body of POST /tasks/{id}/result.
type TaskResultReport struct {
	Status   ResultStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Steps    []StepRecord `json:"steps,omitempty"`
	Duration float64      `json:"duration,omitempty"` // seconds
	Logs     []string     `json:"logs,omitempty"`
}

// RegisterRequest is the body of POST /executor/register.
type RegisterRequest struct {
	ExecutorUUID  string   `json:"executor_uuid"`
	ExecutorName  string   `json:"executor_name"`
	Platform      string   `json:"platform,omitempty"`
	BrowserTypes  []string `json:"browser_types,omitempty"`
	OwnerUsername string   `json:"owner_username,omitempty"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	ExecutorID string `json:"executor_id"`
}

// HeartbeatRequest is the body of POST /executor/heartbeat.
type HeartbeatRequest struct {
	ExecutorUUID string      `json:"executor_uuid"`
	State        WorkerState `json:"state"`
	CurrentTasks int         `json:"current_tasks"`
	CPUUsage     float64     `json:"cpu_usage,omitempty"`
	MemoryUsage  float64     `json:"memory_usage,omitempty"`
	DiskUsage    float64     `json:"disk_usage,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// HeartbeatResponse carries the server time and the worker's pending count.
type HeartbeatResponse struct {
	ServerTime   time.Time `json:"server_time"`
	PendingTasks int       `json:"pending_tasks"`
}

// StatusCheckResponse is the body of GET /executions/{id}/status_check.
// IsValid is true iff the execution is still running.
type StatusCheckResponse struct {
	Status  ExecutionState `json:"status"`
	IsValid bool           `json:"is_valid"`
}

// ScreenshotRequest is the body of POST /tasks/{id}/screenshot.
// ImageData is base64, either raw or a data-url.
type ScreenshotRequest struct {
	ImageData string `json:"image_data"`
	IsFailure bool   `json:"is_failure"`
}

// ScreenshotResponse returns the stored path.
type ScreenshotResponse struct {
	Path string `json:"path"`
}

// CreateExecutionRequest is the body of POST /executions.
type CreateExecutionRequest struct {
	PlanID        string            `json:"plan_id,omitempty"`
	ScriptID      string            `json:"script_id,omitempty"`
	ExecutionMode ExecutionMode     `json:"execution_mode,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Owner         string            `json:"owner,omitempty"`
}
