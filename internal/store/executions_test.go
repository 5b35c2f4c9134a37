package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

func TestLaunchScriptCreatesExecutionAndTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "proj1", 2)

	exec, err := s.LaunchScript(ctx, "scr_a", map[string]string{"env": "staging"}, "alice")
	if err != nil {
		t.Fatalf("LaunchScript: %v", err)
	}
	if exec.Kind != model.KindScript || exec.State != model.ExecutionPending {
		t.Fatalf("unexpected execution: kind=%s state=%s", exec.Kind, exec.State)
	}
	if exec.Variables["env"] != "staging" {
		t.Fatalf("expected override variable, got %v", exec.Variables)
	}

	prefix := time.Now().Format("20060102") + "-"
	if !strings.HasPrefix(exec.DisplayID, prefix) {
		t.Fatalf("expected display id prefix %q, got %q", prefix, exec.DisplayID)
	}

	tasks, err := s.PendingTasks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.ExecutionID != exec.ID {
		t.Fatalf("task bound to %q, want %q", task.ExecutionID, exec.ID)
	}
	if task.Payload.TaskID != task.ID {
		t.Fatalf("payload task id %q, want %q", task.Payload.TaskID, task.ID)
	}
	if task.Payload.ScriptData.Variables["env"] != "staging" {
		t.Fatalf("payload variables missing override: %v", task.Payload.ScriptData.Variables)
	}
	if task.Payload.ScriptData.ParentExecutionID != "" {
		t.Fatalf("standalone script should have no parent, got %q", task.Payload.ScriptData.ParentExecutionID)
	}
}

func TestDisplayIDsIncrementWithinDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)

	first, err := s.LaunchScript(ctx, "scr_a", nil, "")
	if err != nil {
		t.Fatalf("LaunchScript: %v", err)
	}
	second, err := s.LaunchScript(ctx, "scr_a", nil, "")
	if err != nil {
		t.Fatalf("LaunchScript: %v", err)
	}
	if first.DisplayID == second.DisplayID {
		t.Fatalf("display ids must be unique, both %q", first.DisplayID)
	}
	if !strings.HasSuffix(first.DisplayID, "-001") {
		t.Fatalf("expected first id to end in -001, got %q", first.DisplayID)
	}
	if !strings.HasSuffix(second.DisplayID, "-002") {
		t.Fatalf("expected second id to end in -002, got %q", second.DisplayID)
	}
}

func TestLaunchPlanCreatesChildrenInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "proj1", 1)
	seedScript(t, s, "scr_2", "proj1", 1)
	seedScript(t, s, "scr_3", "proj1", 1)
	seedPlan(t, s, "plan_a", model.ModeSequential, "scr_1", "scr_2", "scr_3")

	parent, err := s.LaunchPlan(ctx, "plan_a", "", "bob")
	if err != nil {
		t.Fatalf("LaunchPlan: %v", err)
	}
	if parent.Kind != model.KindPlan || parent.Mode != model.ModeSequential {
		t.Fatalf("unexpected parent: kind=%s mode=%s", parent.Kind, parent.Mode)
	}

	children, err := s.ChildExecutions(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ChildExecutions: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for i, child := range children {
		want := []string{"scr_1", "scr_2", "scr_3"}[i]
		if child.ScriptID != want {
			t.Fatalf("child %d is %q, want %q", i, child.ScriptID, want)
		}
	}

	tasks, err := s.TasksByParentExecution(ctx, parent.ID)
	if err != nil {
		t.Fatalf("TasksByParentExecution: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		data := task.Payload.ScriptData
		if data.ScriptIndex != i {
			t.Fatalf("task %d has index %d", i, data.ScriptIndex)
		}
		if data.TotalScripts != 3 {
			t.Fatalf("task %d total %d, want 3", i, data.TotalScripts)
		}
		if data.ParentExecutionID != parent.ID {
			t.Fatalf("task %d parent %q, want %q", i, data.ParentExecutionID, parent.ID)
		}
		if data.ExecutionMode != model.ModeSequential {
			t.Fatalf("task %d mode %q", i, data.ExecutionMode)
		}
		if len(data.PlanScripts) != 3 {
			t.Fatalf("task %d plan view has %d members", i, len(data.PlanScripts))
		}
	}
}

func TestLaunchPlanModeOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "", 1)
	seedPlan(t, s, "plan_a", model.ModeSequential, "scr_1")

	parent, err := s.LaunchPlan(ctx, "plan_a", model.ModeParallel, "")
	if err != nil {
		t.Fatalf("LaunchPlan: %v", err)
	}
	if parent.Mode != model.ModeParallel {
		t.Fatalf("expected parallel override, got %q", parent.Mode)
	}
	tasks, _ := s.TasksByParentExecution(ctx, parent.ID)
	if tasks[0].Payload.ScriptData.ExecutionMode != model.ModeParallel {
		t.Fatalf("payload mode %q, want parallel", tasks[0].Payload.ScriptData.ExecutionMode)
	}
}

func TestMarkExecutionStoppedInvalidFromTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	exec, _ := s.LaunchScript(ctx, "scr_a", nil, "")

	if err := s.MarkExecutionStopped(ctx, exec.ID); err != nil {
		t.Fatalf("MarkExecutionStopped: %v", err)
	}
	err := s.MarkExecutionStopped(ctx, exec.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelChildrenSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "", 1)
	seedScript(t, s, "scr_2", "", 1)
	seedPlan(t, s, "plan_a", model.ModeParallel, "scr_1", "scr_2")
	parent, _ := s.LaunchPlan(ctx, "plan_a", "", "")

	// Finish the first child before the stop lands.
	tasks, _ := s.TasksByParentExecution(ctx, parent.ID)
	if _, err := s.ApplyResult(ctx, tasks[0].ID, &model.TaskResultReport{Status: model.ResultCompleted}); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}

	if err := s.MarkExecutionStopped(ctx, parent.ID); err != nil {
		t.Fatalf("MarkExecutionStopped: %v", err)
	}
	n, err := s.CancelChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("CancelChildren: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled child, got %d", n)
	}

	children, _ := s.ChildExecutions(ctx, parent.ID)
	if children[0].State != model.ExecutionCompleted {
		t.Fatalf("finished child must keep its result, got %q", children[0].State)
	}
	if children[1].State != model.ExecutionStopped {
		t.Fatalf("active child must be stopped, got %q", children[1].State)
	}
}

func TestAggregatePlanFailedChildFailsPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "", 1)
	seedScript(t, s, "scr_2", "", 1)
	seedPlan(t, s, "plan_a", model.ModeParallel, "scr_1", "scr_2")
	parent, _ := s.LaunchPlan(ctx, "plan_a", "", "")
	tasks, _ := s.TasksByParentExecution(ctx, parent.ID)

	if _, err := s.ApplyResult(ctx, tasks[0].ID, &model.TaskResultReport{Status: model.ResultCompleted}); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	rollup, err := s.AggregatePlan(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AggregatePlan: %v", err)
	}
	if rollup.Terminal {
		t.Fatalf("plan must stay active with a pending child, got %q", rollup.State)
	}

	if _, err := s.ApplyResult(ctx, tasks[1].ID, &model.TaskResultReport{Status: model.ResultFailed, Message: "boom"}); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	rollup, err = s.AggregatePlan(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AggregatePlan: %v", err)
	}
	if rollup.State != model.ExecutionFailed || !rollup.Terminal {
		t.Fatalf("one failed child must fail the plan, got %q", rollup.State)
	}
}

func TestAggregatePlanStoppedParentUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_1", "", 1)
	seedPlan(t, s, "plan_a", model.ModeParallel, "scr_1")
	parent, _ := s.LaunchPlan(ctx, "plan_a", "", "")

	if err := s.MarkExecutionStopped(ctx, parent.ID); err != nil {
		t.Fatalf("MarkExecutionStopped: %v", err)
	}
	rollup, err := s.AggregatePlan(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AggregatePlan: %v", err)
	}
	if rollup.State != model.ExecutionStopped || rollup.Changed {
		t.Fatalf("stop intent must win, got state=%q changed=%v", rollup.State, rollup.Changed)
	}
}

func TestAttachScreenshotAppendsPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScript(t, s, "scr_a", "", 1)
	exec, _ := s.LaunchScript(ctx, "scr_a", nil, "")
	tasks, _ := s.PendingTasks(ctx, 1)

	if err := s.AttachScreenshot(ctx, tasks[0].ID, "screenshots/a.png"); err != nil {
		t.Fatalf("AttachScreenshot: %v", err)
	}
	if err := s.AttachScreenshot(ctx, tasks[0].ID, "screenshots/b.png"); err != nil {
		t.Fatalf("AttachScreenshot: %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Result == nil || len(got.Result.Screenshots) != 2 {
		t.Fatalf("expected 2 screenshots, got %+v", got.Result)
	}
}

func TestMergedVariablesScriptOverridesProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedScript(t, s, "scr_a", "proj1", 1)

	vars := []*model.Variable{
		{Name: "base_url", Value: "https://proj.example", Scope: model.VariableProject, ProjectID: "proj1"},
		{Name: "token", Value: "project-token", Scope: model.VariableProject, ProjectID: "proj1"},
		{Name: "token", Value: "script-token", Scope: model.VariableScript, ScriptID: "scr_a"},
	}
	for _, v := range vars {
		if err := s.SaveVariable(ctx, v); err != nil {
			t.Fatalf("SaveVariable: %v", err)
		}
	}

	merged, err := s.MergedVariables(ctx, sc)
	if err != nil {
		t.Fatalf("MergedVariables: %v", err)
	}
	if merged["base_url"] != "https://proj.example" {
		t.Fatalf("project variable missing: %v", merged)
	}
	if merged["token"] != "script-token" {
		t.Fatalf("script scope must win, got %q", merged["token"])
	}
}
