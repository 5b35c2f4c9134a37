package store

import (
	"context"
	"sync"
	"testing"

	"github.com/mkoppel/testrig/internal/model"
)

func launchOne(t *testing.T, s *Store, scriptID string) *model.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := s.LaunchScript(ctx, scriptID, nil, ""); err != nil {
		t.Fatalf("LaunchScript: %v", err)
	}
	tasks, err := s.PendingTasks(ctx, 100)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	return tasks[len(tasks)-1]
}

func TestPendingTasksPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)

	low := launchOne(t, s, "scr_a")
	urgent := launchOne(t, s, "scr_a")
	normal := launchOne(t, s, "scr_a")

	for id, p := range map[string]model.TaskPriority{
		low.ID: model.PriorityLow, urgent.ID: model.PriorityUrgent,
	} {
		if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET priority = ? WHERE id = ?`, p, id); err != nil {
			t.Fatalf("set priority: %v", err)
		}
	}

	got, err := s.PendingTasks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	want := []string{urgent.ID, normal.ID, low.ID}
	for i, task := range got {
		if task.ID != want[i] {
			t.Fatalf("position %d: got %q, want %q", i, task.ID, want[i])
		}
	}
}

func TestBindTaskAssignsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")

	outcome, err := s.BindTask(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if outcome != Bound {
		t.Fatalf("expected Bound, got %v", outcome)
	}

	outcome, err = s.BindTask(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if outcome != NotPending {
		t.Fatalf("second bind must report NotPending, got %v", outcome)
	}

	got, _ := s.GetWorker(ctx, w.ID)
	if got.CurrentTasks != 1 {
		t.Fatalf("counter is %d, want 1", got.CurrentTasks)
	}
}

func TestBindTaskConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")

	const attempts = 8
	outcomes := make([]BindOutcome, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := s.BindTask(ctx, task.ID, w.ID)
			if err != nil {
				t.Errorf("BindTask: %v", err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	bound := 0
	for _, o := range outcomes {
		if o == Bound {
			bound++
		}
	}
	if bound != 1 {
		t.Fatalf("expected exactly one winner, got %d", bound)
	}
}

func TestBindTaskCancelsWhenStopped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")

	if err := s.MarkExecutionStopped(ctx, task.ExecutionID); err != nil {
		t.Fatalf("MarkExecutionStopped: %v", err)
	}

	outcome, err := s.BindTask(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if outcome != CancelledOnBind {
		t.Fatalf("expected CancelledOnBind, got %v", outcome)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.State != model.TaskCancelled {
		t.Fatalf("task state %q, want cancelled", got.State)
	}
}

func TestBindTaskParentStopWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "", 1)
	seedPlan(t, s, "plan_a", model.ModeParallel, "scr_1")
	parent, _ := s.LaunchPlan(ctx, "plan_a", "", "")
	tasks, _ := s.TasksByParentExecution(ctx, parent.ID)
	w := seedWorker(t, s, "uuid-1", "worker-1")

	if err := s.MarkExecutionStopped(ctx, parent.ID); err != nil {
		t.Fatalf("MarkExecutionStopped: %v", err)
	}

	outcome, err := s.BindTask(ctx, tasks[0].ID, w.ID)
	if err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if outcome != CancelledOnBind {
		t.Fatalf("expected CancelledOnBind via parent, got %v", outcome)
	}
}

func TestReleaseBindReturnsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")

	if _, err := s.BindTask(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if err := s.ReleaseBind(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("ReleaseBind: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.State != model.TaskPending || got.WorkerID != "" {
		t.Fatalf("expected pending unassigned, got state=%q worker=%q", got.State, got.WorkerID)
	}
	worker, _ := s.GetWorker(ctx, w.ID)
	if worker.CurrentTasks != 0 {
		t.Fatalf("counter is %d, want 0", worker.CurrentTasks)
	}
}

func TestApplyResultIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")
	if _, err := s.BindTask(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("BindTask: %v", err)
	}

	report := &model.TaskResultReport{
		Status: model.ResultCompleted,
		Steps: []model.StepRecord{
			{Index: 0, Name: "step", Success: true},
			{Index: 1, Name: "step", Success: true},
		},
		Duration: 1.5,
	}
	app, err := s.ApplyResult(ctx, task.ID, report)
	if err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	if !app.Applied {
		t.Fatal("first report must apply")
	}

	// Redelivery of the same report.
	app, err = s.ApplyResult(ctx, task.ID, &model.TaskResultReport{Status: model.ResultFailed, Message: "late"})
	if err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	if app.Applied {
		t.Fatal("duplicate report must be ignored")
	}

	exec, _ := s.GetExecution(ctx, task.ExecutionID)
	if exec.State != model.ExecutionCompleted {
		t.Fatalf("execution state %q, want completed", exec.State)
	}
	if exec.Result == nil || exec.Result.Passed != 2 || exec.Result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", exec.Result)
	}
	worker, _ := s.GetWorker(ctx, w.ID)
	if worker.CurrentTasks != 0 {
		t.Fatalf("counter is %d, want 0 after result", worker.CurrentTasks)
	}
}

func TestApplyResultCancelledMapsToStopped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")

	app, err := s.ApplyResult(ctx, task.ID, &model.TaskResultReport{Status: model.ResultCancelled})
	if err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	if !app.Applied {
		t.Fatal("report must apply")
	}
	exec, _ := s.GetExecution(ctx, task.ExecutionID)
	if exec.State != model.ExecutionStopped {
		t.Fatalf("execution state %q, want stopped", exec.State)
	}
}

func TestRequeueTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	w := seedWorker(t, s, "uuid-1", "worker-1")

	if err := s.RequeueTask(ctx, task.ID); err == nil {
		t.Fatal("requeue of a pending task must fail")
	}

	if _, err := s.BindTask(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("BindTask: %v", err)
	}
	if err := s.RequeueTask(ctx, task.ID); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.State != model.TaskPending {
		t.Fatalf("state %q, want pending", got.State)
	}
}
