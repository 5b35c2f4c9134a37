package agent

import (
	"fmt"
	"testing"
)

func TestPlanViewsProgress(t *testing.T) {
	p := NewPlanViews()
	if _, _, ok := p.Progress("plan_x"); ok {
		t.Fatal("unseen plan reported progress")
	}

	p.MarkDone("plan_x", 0, 3)
	p.MarkDone("plan_x", 2, 3)
	if !p.Done("plan_x", 0) || p.Done("plan_x", 1) {
		t.Fatal("done bookkeeping wrong")
	}
	done, total, ok := p.Progress("plan_x")
	if !ok || done != 2 || total != 3 {
		t.Fatalf("progress %d/%d (%v), want 2/3", done, total, ok)
	}

	p.Forget("plan_x")
	if _, _, ok := p.Progress("plan_x"); ok {
		t.Fatal("forgotten plan still visible")
	}
}

func TestPlanViewsEvictsOldest(t *testing.T) {
	p := NewPlanViews()
	for i := 0; i <= planViewCap; i++ {
		p.MarkDone(fmt.Sprintf("plan_%d", i), 0, 1)
	}
	if _, _, ok := p.Progress("plan_0"); ok {
		t.Fatal("oldest plan should have been evicted")
	}
	if _, _, ok := p.Progress(fmt.Sprintf("plan_%d", planViewCap)); !ok {
		t.Fatal("newest plan missing")
	}
}
