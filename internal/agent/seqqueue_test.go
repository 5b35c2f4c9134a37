package agent

import "testing"

func TestSeqQueueAdmitsWithoutLocalPredecessor(t *testing.T) {
	q := NewSeqQueue(NewPlanViews())
	// Index 1 arrives but index 0 never ran here (it ran on another agent).
	if !q.BeginOrHold("plan_p", 1, func() { t.Fatal("admitted member must not be parked") }) {
		t.Fatal("member must not wait for a predecessor that runs elsewhere")
	}
}

func TestSeqQueueHoldsWhileEarlierMemberActive(t *testing.T) {
	q := NewSeqQueue(NewPlanViews())
	q.Begin("plan_p", 0)

	ran := false
	if q.BeginOrHold("plan_p", 1, func() { ran = true }) {
		t.Fatal("member 1 admitted while member 0 runs locally")
	}
	if q.HeldCount("plan_p") != 1 {
		t.Fatalf("held %d, want 1", q.HeldCount("plan_p"))
	}

	released := q.Complete("plan_p", 0, 2)
	for _, run := range released {
		run()
	}
	if !ran {
		t.Fatal("held member not released by the predecessor's completion")
	}

	// A member before the active one is not blocked by it.
	if !q.BeginOrHold("plan_q", 0, func() {}) {
		t.Fatal("member 0 blocked with nothing before it")
	}
}

func TestSeqQueueAdmitsAfterPredecessorCompletes(t *testing.T) {
	q := NewSeqQueue(NewPlanViews())
	q.Begin("plan_p", 0)
	q.Complete("plan_p", 0, 2)

	// Admission after the predecessor finished must run, not park: there is
	// no completion left to release a parked member.
	if !q.BeginOrHold("plan_p", 1, func() { t.Fatal("parked with no active predecessor") }) {
		t.Fatal("member 1 parked after member 0 completed")
	}
}

func TestSeqQueueReleasesInOrder(t *testing.T) {
	q := NewSeqQueue(NewPlanViews())
	q.Begin("plan_p", 0)

	var order []int
	q.BeginOrHold("plan_p", 2, func() { order = append(order, 2) })
	q.BeginOrHold("plan_p", 1, func() { order = append(order, 1) })
	if q.HeldCount("plan_p") != 2 {
		t.Fatalf("held %d, want 2", q.HeldCount("plan_p"))
	}

	released := q.Complete("plan_p", 0, 3)
	for _, run := range released {
		run()
	}
	// Only the lowest index comes out; it is active until its own Complete.
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("released %v, want [1]", order)
	}
	if q.HeldCount("plan_p") != 1 {
		t.Fatalf("held %d after first release, want 1", q.HeldCount("plan_p"))
	}

	released = q.Complete("plan_p", 1, 3)
	for _, run := range released {
		run()
	}
	if len(order) != 2 || order[1] != 2 {
		t.Fatalf("released %v, want [1 2]", order)
	}

	q.Complete("plan_p", 2, 3)
	if q.HeldCount("plan_p") != 0 {
		t.Fatalf("held %d at plan end, want 0", q.HeldCount("plan_p"))
	}
}

func TestSeqQueueForgetsFinishedPlan(t *testing.T) {
	views := NewPlanViews()
	q := NewSeqQueue(views)

	q.Begin("plan_p", 0)
	q.Complete("plan_p", 0, 2)
	if _, _, ok := views.Progress("plan_p"); !ok {
		t.Fatal("view missing mid-plan")
	}

	q.Begin("plan_p", 1)
	q.Complete("plan_p", 1, 2)
	if _, _, ok := views.Progress("plan_p"); ok {
		t.Fatal("finished plan's view not forgotten")
	}
}
