// Package dispatch turns pending tasks into published worker assignments.
// One dispatcher goroutine owns the pending queue; result reports, stops,
// and new executions wake it instead of dispatching inline.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoppel/testrig/internal/metrics"
	"github.com/mkoppel/testrig/internal/model"
	"github.com/mkoppel/testrig/internal/store"
)

const (
	defaultBatch = 20
	pollInterval = 5 * time.Second
)

// Records is the slice of the store the dispatcher needs.
type Records interface {
	PendingTasks(ctx context.Context, limit int) ([]*model.Task, error)
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	TasksByParentExecution(ctx context.Context, parentID string) ([]*model.Task, error)
	CancelStoppedTask(ctx context.Context, taskID string) error
	SelectWorker(ctx context.Context, projectID string) (*model.Worker, error)
	BindTask(ctx context.Context, taskID, workerID string) (store.BindOutcome, error)
	ReleaseBind(ctx context.Context, taskID, workerID string) error
}

// Publisher sends one assignment to a worker's queue.
type Publisher interface {
	Publish(ctx context.Context, workerUUID string, payload any) error
}

// Dispatcher is the single assignment loop.
type Dispatcher struct {
	records Records
	pub     Publisher
	log     *slog.Logger
	batch   int

	wakeCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds dependencies for building a Dispatcher.
type Config struct {
	Records   Records
	Publisher Publisher
	Logger    *slog.Logger
	Batch     int // pending tasks considered per round (0 = default 20)
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Dispatcher{
		records: cfg.Records,
		pub:     cfg.Publisher,
		log:     log,
		batch:   batch,
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.loop(ctx)
	d.log.Info("dispatcher started", "batch", d.batch)
}

// Stop halts the loop and waits for the current round to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// Wake nudges the loop without blocking. Safe from any goroutine.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if n, err := d.Dispatch(ctx, d.batch); err != nil {
			if ctx.Err() == nil {
				d.log.Error("dispatch round failed", "error", err)
			}
		} else if n > 0 {
			d.log.Info("dispatched tasks", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wakeCh:
		case <-ticker.C:
		}
	}
}

// Dispatch runs one round over up to limit pending tasks and returns how
// many assignments were published. Per-task problems skip the task; only a
// failure to list the queue aborts the round.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (int, error) {
	pending, err := d.records.PendingTasks(ctx, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if d.dispatchOne(ctx, task) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatchOne runs steps for a single pending task: stop guard, sequential
// gate, worker selection, bind, publish. Reports whether an assignment went
// out.
func (d *Dispatcher) dispatchOne(ctx context.Context, task *model.Task) bool {
	exec, err := d.records.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		d.log.Warn("skip task: execution unreadable",
			"task_id", task.ID, "execution_id", task.ExecutionID, "error", err)
		metrics.DispatchSkips.WithLabelValues("execution_unreadable").Inc()
		return false
	}

	if d.stopRequested(ctx, exec) {
		if err := d.records.CancelStoppedTask(ctx, task.ID); err != nil {
			d.log.Warn("cancel stopped task", "task_id", task.ID, "error", err)
		}
		metrics.DispatchSkips.WithLabelValues("stopped").Inc()
		return false
	}

	if !d.sequentialGateOpen(ctx, task) {
		metrics.DispatchSkips.WithLabelValues("sequential_gate").Inc()
		return false
	}

	worker, err := d.records.SelectWorker(ctx, task.Payload.ScriptData.ProjectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.Warn("worker selection failed", "task_id", task.ID, "error", err)
		}
		metrics.DispatchSkips.WithLabelValues("no_worker").Inc()
		return false
	}

	outcome, err := d.records.BindTask(ctx, task.ID, worker.ID)
	if err != nil {
		d.log.Warn("bind failed", "task_id", task.ID, "worker_id", worker.ID, "error", err)
		return false
	}
	switch outcome {
	case store.NotPending:
		return false
	case store.CancelledOnBind:
		metrics.DispatchSkips.WithLabelValues("stopped").Inc()
		return false
	}

	if err := d.pub.Publish(ctx, worker.UUID, &task.Payload); err != nil {
		d.log.Error("publish failed, rolling back assignment",
			"task_id", task.ID, "worker_id", worker.ID, "error", err)
		metrics.PublishFailures.Inc()
		if rerr := d.records.ReleaseBind(ctx, task.ID, worker.ID); rerr != nil {
			d.log.Error("rollback failed", "task_id", task.ID, "error", rerr)
		}
		return false
	}

	metrics.TasksDispatched.Inc()
	d.log.Info("task dispatched",
		"task_id", task.ID, "execution_id", task.ExecutionID,
		"worker", worker.Name, "script", task.Payload.ScriptData.Name)
	return true
}

// stopRequested reports whether the task's execution, or its parent plan,
// carries stop intent.
func (d *Dispatcher) stopRequested(ctx context.Context, exec *model.Execution) bool {
	if exec.State == model.ExecutionStopped {
		return true
	}
	if exec.ParentID == "" {
		return false
	}
	parent, err := d.records.GetExecution(ctx, exec.ParentID)
	if err != nil {
		// Unreadable parent blocks dispatch rather than risking a run the
		// user already stopped.
		d.log.Warn("parent unreadable, holding task",
			"execution_id", exec.ID, "parent_id", exec.ParentID, "error", err)
		return true
	}
	return parent.State == model.ExecutionStopped
}

// sequentialGateOpen reports whether a sequential plan member may go out:
// the member before it must already be terminal. Parallel members and
// standalone scripts always pass.
func (d *Dispatcher) sequentialGateOpen(ctx context.Context, task *model.Task) bool {
	if !task.Payload.Sequential() || task.Payload.ScriptData.ScriptIndex == 0 {
		return true
	}

	siblings, err := d.records.TasksByParentExecution(ctx, task.Payload.ScriptData.ParentExecutionID)
	if err != nil {
		d.log.Warn("sibling lookup failed", "task_id", task.ID, "error", err)
		return false
	}

	wantIndex := task.Payload.ScriptData.ScriptIndex - 1
	for _, sib := range siblings {
		if sib.Payload.ScriptData.ScriptIndex == wantIndex {
			return sib.State.Terminal()
		}
	}
	// Missing predecessor row: hold the task rather than run out of order.
	return false
}
