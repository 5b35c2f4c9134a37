package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

func TestRegisterWorkerDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.RegisterWorker(ctx, &model.RegisterRequest{
		ExecutorUUID: "uuid-1",
		ExecutorName: "worker-1",
		BrowserTypes: []string{"chromium"},
		Platform:     "linux",
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if w.Scope != model.ScopeGlobal {
		t.Fatalf("scope %q, want global", w.Scope)
	}
	if w.MaxConcurrent != defaultMaxConcurrent {
		t.Fatalf("max_concurrent %d, want %d", w.MaxConcurrent, defaultMaxConcurrent)
	}
	if !w.Enabled || w.State != model.WorkerOnline {
		t.Fatalf("expected enabled online worker, got enabled=%v state=%q", w.Enabled, w.State)
	}
	if w.LastHeartbeat == nil {
		t.Fatal("registration must stamp a heartbeat")
	}
}

func TestRegisterWorkerKeepsBindingsOnRestart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := seedWorker(t, s, "uuid-1", "worker-1")
	if err := s.BindWorkerProjects(ctx, w.ID, []string{"proj_a"}); err != nil {
		t.Fatalf("BindWorkerProjects: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE workers SET current_tasks = 2 WHERE id = ?`, w.ID); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	again, err := s.RegisterWorker(ctx, &model.RegisterRequest{
		ExecutorUUID: "uuid-1",
		ExecutorName: "worker-1-renamed",
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if again.ID != w.ID {
		t.Fatalf("re-register created a new row: %q vs %q", again.ID, w.ID)
	}
	if again.Name != "worker-1-renamed" {
		t.Fatalf("name %q not refreshed", again.Name)
	}
	if again.CurrentTasks != 0 {
		t.Fatalf("counter %d, want reset to 0", again.CurrentTasks)
	}
	if again.Scope != model.ScopeProject || !again.BoundTo("proj_a") {
		t.Fatalf("project binding lost: scope=%q bound=%v", again.Scope, again.BoundProjects)
	}
}

func TestHeartbeatCounterOnlyGrows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedWorker(t, s, "uuid-1", "worker-1")

	if _, err := s.db.ExecContext(ctx,
		`UPDATE workers SET current_tasks = 2 WHERE id = ?`, w.ID); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	// A stale report below the stored counter must not lower it.
	got, err := s.HeartbeatWorker(ctx, &model.HeartbeatRequest{
		ExecutorUUID: "uuid-1",
		State:        model.WorkerOnline,
		CurrentTasks: 1,
	})
	if err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	if got.CurrentTasks != 2 {
		t.Fatalf("counter %d, want 2", got.CurrentTasks)
	}

	got, err = s.HeartbeatWorker(ctx, &model.HeartbeatRequest{
		ExecutorUUID: "uuid-1",
		State:        model.WorkerBusy,
		CurrentTasks: 3,
	})
	if err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	if got.CurrentTasks != 3 || got.State != model.WorkerBusy {
		t.Fatalf("got counter=%d state=%q, want 3/busy", got.CurrentTasks, got.State)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	_, err := s.HeartbeatWorker(context.Background(), &model.HeartbeatRequest{ExecutorUUID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectWorkerPrefersProjectScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	global := seedWorker(t, s, "uuid-g", "a-global")
	bound := seedWorker(t, s, "uuid-p", "z-bound")
	if err := s.BindWorkerProjects(ctx, bound.ID, []string{"proj_a"}); err != nil {
		t.Fatalf("BindWorkerProjects: %v", err)
	}

	got, err := s.SelectWorker(ctx, "proj_a")
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.ID != bound.ID {
		t.Fatalf("selected %q, want project-bound %q", got.ID, bound.ID)
	}

	// For a different project the bound worker is out; the global one serves.
	got, err = s.SelectWorker(ctx, "proj_b")
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.ID != global.ID {
		t.Fatalf("selected %q, want global %q", got.ID, global.ID)
	}
}

func TestSelectWorkerLeastLoaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loaded := seedWorker(t, s, "uuid-1", "worker-1")
	idle := seedWorker(t, s, "uuid-2", "worker-2")

	seedScript(t, s, "scr_a", "", 1)
	task := launchOne(t, s, "scr_a")
	if _, err := s.BindTask(ctx, task.ID, loaded.ID); err != nil {
		t.Fatalf("BindTask: %v", err)
	}

	got, err := s.SelectWorker(ctx, "")
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.ID != idle.ID {
		t.Fatalf("selected %q, want idle %q", got.ID, idle.ID)
	}
}

func TestSelectWorkerSkipsStaleAndDisabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := seedWorker(t, s, "uuid-1", "worker-1")
	disabled := seedWorker(t, s, "uuid-2", "worker-2")
	if err := s.SetWorkerEnabled(ctx, disabled.ID, false); err != nil {
		t.Fatalf("SetWorkerEnabled: %v", err)
	}

	// Push the clock past the liveness window so worker-1's heartbeat is stale.
	s.SetClock(func() time.Time { return time.Now().Add(model.LivenessWindow + time.Minute) })

	if _, err := s.SelectWorker(ctx, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s.SetClock(time.Now)
	got, err := s.SelectWorker(ctx, "")
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.ID != stale.ID {
		t.Fatalf("selected %q, want %q", got.ID, stale.ID)
	}
}
