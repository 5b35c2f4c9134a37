package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/mkoppel/testrig/internal/model"
)

func TestHeartbeatReportsIdle(t *testing.T) {
	plane := &fakePlane{}
	stops := NewStopCache()
	in := newTestIntake(t, plane, stops, 2)
	h := NewHeartbeat(plane, in, NewSeqQueue(NewPlanViews()), stops, "uuid-1", nil)

	h.beat(context.Background())

	if len(plane.beats) != 1 {
		t.Fatalf("%d heartbeats, want 1", len(plane.beats))
	}
	req := plane.beats[0]
	if req.ExecutorUUID != "uuid-1" || req.State != model.WorkerIdle || req.CurrentTasks != 0 {
		t.Fatalf("heartbeat %+v, want idle with no tasks", req)
	}
}

func TestHeartbeatScanCachesStoppedParent(t *testing.T) {
	plane := &fakePlane{status: model.StatusCheckResponse{Status: model.ExecutionStopped}}
	stops := NewStopCache()
	in := newTestIntake(t, plane, stops, 2)
	seq := NewSeqQueue(NewPlanViews())
	seq.Begin("plan_p", 0)

	h := NewHeartbeat(plane, in, seq, stops, "uuid-1", nil)
	h.beat(context.Background())

	if !stops.Contains("plan_p") {
		t.Fatal("stopped parent not cached")
	}

	// The verdict is cached: the next beat skips the poll.
	before := len(plane.checks)
	h.beat(context.Background())
	if len(plane.checks) != before {
		t.Fatalf("cached parent polled again")
	}
}

func TestHeartbeatPrunesStaleStopVerdicts(t *testing.T) {
	plane := &fakePlane{}
	stops := NewStopCache()
	in := newTestIntake(t, plane, stops, 2)
	seq := NewSeqQueue(NewPlanViews())
	seq.Begin("plan_live", 0)

	// Verdicts for plans with no member running here are pruned once the
	// cache outgrows the trim threshold.
	stops.Add("plan_live")
	for i := 0; i <= stopCacheTrim; i++ {
		stops.Add(fmt.Sprintf("plan_dead_%d", i))
	}

	h := NewHeartbeat(plane, in, seq, stops, "uuid-1", nil)
	h.beat(context.Background())

	if !stops.Contains("plan_live") {
		t.Fatal("running plan's verdict pruned")
	}
	if stops.Contains("plan_dead_0") {
		t.Fatal("dead plan's verdict survived the prune")
	}
	if stops.Len() != 1 {
		t.Fatalf("cache len %d after prune, want 1", stops.Len())
	}
}
