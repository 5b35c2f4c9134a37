package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkoppel/testrig/internal/engine"
	"github.com/mkoppel/testrig/internal/model"
)

// statusPollStride is how often the step loop re-checks the execution's
// server-side status: before every third step.
const statusPollStride = 3

// ControlPlane is the slice of the client the runner needs.
type ControlPlane interface {
	StatusCheck(ctx context.Context, executionID string) (*model.StatusCheckResponse, error)
	StartTask(ctx context.Context, taskID string) error
	ReportResult(ctx context.Context, taskID string, report *model.TaskResultReport) error
	UploadScreenshot(ctx context.Context, taskID string, req *model.ScreenshotRequest) (*model.ScreenshotResponse, error)
	Nudge(ctx context.Context) error
}

// Runner executes one assignment at a time: interpolate, run steps through
// the engine, poll for stop intent, and report the terminal result.
type Runner struct {
	plane   ControlPlane
	engines *engine.Factory
	stops   *StopCache
	log     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(plane ControlPlane, engines *engine.Factory, stops *StopCache, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{plane: plane, engines: engines, stops: stops, log: log}
}

// Run executes the payload and reports its result. Errors are reported to
// the control plane, not returned: by the time a task runs, the broker
// delivery is already acked.
func (r *Runner) Run(ctx context.Context, payload *model.TaskPayload) {
	// Best effort: the run proceeds even if the control plane misses the
	// start transition, and status_check simply stays invalid meanwhile.
	if err := r.plane.StartTask(ctx, payload.TaskID); err != nil {
		r.log.Warn("start notification failed", "task_id", payload.TaskID, "error", err)
	}

	start := time.Now()
	report := r.execute(ctx, payload)
	report.Duration = time.Since(start).Seconds()

	if err := r.plane.ReportResult(ctx, payload.TaskID, report); err != nil {
		r.log.Error("result report failed",
			"task_id", payload.TaskID, "status", report.Status, "error", err)
		return
	}
	r.log.Info("task finished",
		"task_id", payload.TaskID, "script", payload.ScriptData.Name,
		"status", report.Status, "steps", len(report.Steps))

	// A finished task may free capacity somewhere; ask for a dispatch pass.
	if err := r.plane.Nudge(ctx); err != nil {
		r.log.Debug("dispatch nudge failed", "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, payload *model.TaskPayload) *model.TaskResultReport {
	eng, err := r.engines.Get(payload.ScriptData.Framework)
	if err != nil {
		return &model.TaskResultReport{
			Status:  model.ResultFailed,
			Message: Sanitize(err.Error()),
		}
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.Timeout)*time.Second)
		defer cancel()
	}

	vars := payload.ScriptData.Variables
	report := &model.TaskResultReport{Status: model.ResultCompleted}

	for i, step := range payload.ScriptData.Steps {
		if i > 0 && i%statusPollStride == 0 && r.stopRequested(ctx, payload.ExecutionID) {
			report.Status = model.ResultCancelled
			report.Message = "execution stopped"
			return report
		}
		if ctx.Err() != nil {
			report.Status = model.ResultFailed
			report.Message = "execution timed out"
			return report
		}

		stepStart := time.Now()
		out := eng.RunStep(ctx, step, vars)
		record := model.StepRecord{
			Index:      i,
			Name:       step.Name,
			Type:       step.Type,
			Success:    out.Success,
			Message:    Sanitize(out.Message),
			DurationMS: time.Since(stepStart).Milliseconds(),
		}
		report.Steps = append(report.Steps, record)
		report.Logs = append(report.Logs, Sanitize(
			fmt.Sprintf("step %d %s (%s): %s", i, step.Name, step.Type, out.Message)))

		if !out.Success {
			report.Status = model.ResultFailed
			report.Message = record.Message
			r.captureFailure(ctx, payload.TaskID, eng)
			return report
		}
	}
	return report
}

// captureFailure uploads a screenshot of the failed step when the engine
// can produce one. Upload problems are logged, not fatal: the result
// report is the record that matters.
func (r *Runner) captureFailure(ctx context.Context, taskID string, eng engine.Engine) {
	shooter, ok := eng.(engine.Screenshotter)
	if !ok {
		return
	}
	img, err := shooter.Screenshot(ctx)
	if err != nil {
		r.log.Warn("screenshot capture failed", "task_id", taskID, "error", err)
		return
	}
	_, err = r.plane.UploadScreenshot(ctx, taskID, &model.ScreenshotRequest{
		ImageData: base64.StdEncoding.EncodeToString(img),
		IsFailure: true,
	})
	if err != nil {
		r.log.Warn("screenshot upload failed", "task_id", taskID, "error", err)
	}
}

// stopRequested polls the control plane and caches a stop verdict. A poll
// failure keeps the run going: the control plane side of the stop protocol
// cancels the task row regardless.
func (r *Runner) stopRequested(ctx context.Context, executionID string) bool {
	if r.stops.Contains(executionID) {
		return true
	}
	status, err := r.plane.StatusCheck(ctx, executionID)
	if err != nil {
		r.log.Warn("status poll failed", "execution_id", executionID, "error", err)
		return false
	}
	if status.IsValid {
		return false
	}
	if status.Status == model.ExecutionStopped {
		r.stops.Add(executionID)
		return true
	}
	// Pending executions are still warming up; anything terminal means the
	// run should not continue.
	return status.Status.Terminal()
}

// Sanitize strips control characters from a message, keeping the line
// breaks and tabs result viewers expect.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
