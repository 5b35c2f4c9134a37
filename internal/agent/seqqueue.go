package agent

import "sync"

type heldRun struct {
	index int
	run   func()
}

// SeqQueue keeps sequential plan members in order on one agent. The control
// plane gates dispatch, so a member's predecessor is terminal before the
// member is published; the one case the queue must handle is two members of
// the same plan being in flight here at once (redelivery races). A member
// is held only while an earlier member is actively running on this agent.
type SeqQueue struct {
	mu     sync.Mutex
	views  *PlanViews
	active map[string]map[int]bool
	held   map[string][]heldRun
}

// NewSeqQueue creates a queue backed by the agent's plan views.
func NewSeqQueue(views *PlanViews) *SeqQueue {
	return &SeqQueue{
		views:  views,
		active: make(map[string]map[int]bool),
		held:   make(map[string][]heldRun),
	}
}

// BeginOrHold admits a sequential member: when no earlier member is active
// here it is marked active and true is returned; otherwise run is parked
// until a completion releases it and false is returned. The decision and
// the parking are one critical section, so a completion can never slip
// between them and leave the member stranded.
func (q *SeqQueue) BeginOrHold(parentID string, index int, run func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.blockedLocked(parentID, index) {
		q.held[parentID] = append(q.held[parentID], heldRun{index: index, run: run})
		return false
	}
	q.beginLocked(parentID, index)
	return true
}

// blockedLocked reports whether an earlier member of the plan is active.
// Caller holds mu.
func (q *SeqQueue) blockedLocked(parentID string, index int) bool {
	for i := range q.active[parentID] {
		if i < index {
			return true
		}
	}
	return false
}

// Begin marks a member as actively running here.
func (q *SeqQueue) Begin(parentID string, index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.beginLocked(parentID, index)
}

// beginLocked records an active member. Caller holds mu.
func (q *SeqQueue) beginLocked(parentID string, index int) {
	if q.active[parentID] == nil {
		q.active[parentID] = make(map[int]bool)
	}
	q.active[parentID][index] = true
}

// Complete records a finished member and returns the runnables it released.
// The caller invokes them outside the queue's lock.
func (q *SeqQueue) Complete(parentID string, index, total int) []func() {
	q.views.MarkDone(parentID, index, total)

	q.mu.Lock()
	defer q.mu.Unlock()

	if act := q.active[parentID]; act != nil {
		delete(act, index)
		if len(act) == 0 {
			delete(q.active, parentID)
		}
	}

	// Release the lowest-index held member only, marking it active before
	// the lock drops so a concurrent Complete cannot release its successor.
	var released []func()
	held := q.held[parentID]
	if len(held) > 0 {
		lowest := 0
		for i := 1; i < len(held); i++ {
			if held[i].index < held[lowest].index {
				lowest = i
			}
		}
		if !q.blockedLocked(parentID, held[lowest].index) {
			h := held[lowest]
			q.beginLocked(parentID, h.index)
			released = append(released, h.run)
			held = append(held[:lowest], held[lowest+1:]...)
		}
	}
	if len(held) == 0 {
		delete(q.held, parentID)
	} else {
		q.held[parentID] = held
	}

	if done, t, ok := q.views.Progress(parentID); ok && t > 0 && done >= t {
		q.views.Forget(parentID)
	}
	return released
}

// ActiveParents returns the plans with a member running on this agent.
func (q *SeqQueue) ActiveParents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.active))
	for id := range q.active {
		out = append(out, id)
	}
	return out
}

// HeldCount reports how many runnables are parked for a plan.
func (q *SeqQueue) HeldCount(parentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.held[parentID])
}
