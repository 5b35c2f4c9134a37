package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mkoppel/testrig/internal/broker"
	"github.com/mkoppel/testrig/internal/model"
)

// maxConcurrentCap bounds how many scripts one agent runs at once.
const maxConcurrentCap = 3

// Intake admits broker deliveries: poison and stopped-execution messages
// are rejected, over-capacity messages go back to the queue, and an
// admitted task's ack is deferred until its result is reported, so a crash
// mid-run leaves the delivery unacked for the broker to redeliver.
type Intake struct {
	runner *Runner
	plane  ControlPlane
	seq    *SeqQueue
	stops  *StopCache
	log    *slog.Logger

	slots    chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// IntakeConfig holds dependencies for building an Intake.
type IntakeConfig struct {
	Runner        *Runner
	Plane         ControlPlane
	Seq           *SeqQueue
	Stops         *StopCache
	MaxConcurrent int
	Logger        *slog.Logger
}

// NewIntake creates an Intake with the given concurrency budget.
func NewIntake(cfg IntakeConfig) *Intake {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	max := cfg.MaxConcurrent
	if max < 1 || max > maxConcurrentCap {
		max = maxConcurrentCap
	}
	return &Intake{
		runner: cfg.Runner,
		plane:  cfg.Plane,
		seq:    cfg.Seq,
		stops:  cfg.Stops,
		log:    log,
		slots:  make(chan struct{}, max),
	}
}

// Handle decides one delivery's fate. Intended as the broker consumer's
// handler.
func (in *Intake) Handle(ctx context.Context, d broker.Delivery) {
	var payload model.TaskPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil || payload.TaskID == "" {
		in.log.Error("rejecting malformed assignment", "error", err)
		_ = d.Reject()
		return
	}

	if in.stops.Contains(payload.ExecutionID) ||
		(payload.ScriptData.ParentExecutionID != "" && in.stops.Contains(payload.ScriptData.ParentExecutionID)) {
		in.log.Info("rejecting assignment for stopped execution",
			"task_id", payload.TaskID, "execution_id", payload.ExecutionID)
		_ = d.Reject()
		return
	}
	if in.stoppedUpstream(ctx, &payload) {
		in.log.Info("rejecting assignment stopped while queued",
			"task_id", payload.TaskID, "execution_id", payload.ExecutionID)
		_ = d.Reject()
		return
	}

	select {
	case in.slots <- struct{}{}:
	default:
		in.log.Info("at capacity, requeueing assignment", "task_id", payload.TaskID)
		_ = d.Requeue()
		return
	}
	in.inFlight.Add(1)

	// start launches the runner; afterRun settles the delivery once the
	// result has been reported.
	start := func(afterRun func()) func() {
		return func() {
			in.wg.Add(1)
			go func() {
				defer in.wg.Done()
				defer func() {
					<-in.slots
					in.inFlight.Add(-1)
				}()
				in.execute(ctx, &payload)
				if afterRun != nil {
					afterRun()
				}
			}()
		}
	}
	ack := func() {
		if err := d.Ack(); err != nil {
			in.log.Error("ack failed", "task_id", payload.TaskID, "error", err)
		}
	}

	parentID := payload.ScriptData.ParentExecutionID
	if payload.Sequential() {
		// A held member's delivery is consumed now: it is acked here and a
		// local completion hands it to the runner later.
		if !in.seq.BeginOrHold(parentID, payload.ScriptData.ScriptIndex, start(nil)) {
			in.log.Info("holding sequential member",
				"task_id", payload.TaskID, "index", payload.ScriptData.ScriptIndex)
			ack()
			return
		}
		start(ack)()
		return
	}
	if parentID != "" {
		in.seq.Begin(parentID, payload.ScriptData.ScriptIndex)
	}
	start(ack)()
}

// stoppedUpstream asks the control plane whether the payload's parent or
// own execution was stopped while the message sat in the queue. A failed
// check admits the task: the runner's polling catches late stops.
func (in *Intake) stoppedUpstream(ctx context.Context, payload *model.TaskPayload) bool {
	for _, id := range []string{payload.ScriptData.ParentExecutionID, payload.ExecutionID} {
		if id == "" {
			continue
		}
		status, err := in.plane.StatusCheck(ctx, id)
		if err != nil {
			in.log.Warn("status pre-check failed", "execution_id", id, "error", err)
			continue
		}
		if status.Status == model.ExecutionStopped {
			in.stops.Add(id)
			return true
		}
	}
	return false
}

func (in *Intake) execute(ctx context.Context, payload *model.TaskPayload) {
	in.runner.Run(ctx, payload)

	parentID := payload.ScriptData.ParentExecutionID
	if parentID == "" {
		return
	}
	released := in.seq.Complete(parentID, payload.ScriptData.ScriptIndex, payload.ScriptData.TotalScripts)
	for _, next := range released {
		next()
	}
}

// InFlight reports how many admitted tasks have not finished.
func (in *Intake) InFlight() int { return int(in.inFlight.Load()) }

// Capacity reports the concurrency budget.
func (in *Intake) Capacity() int { return cap(in.slots) }

// Drain waits for running tasks to finish.
func (in *Intake) Drain() { in.wg.Wait() }
