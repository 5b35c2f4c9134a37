package agent

import "sync"

const planViewCap = 50

// planView is this agent's local record of one plan's progress.
type planView struct {
	total int
	done  map[int]bool
}

// PlanViews tracks which plan members this agent has finished, bounded to
// the most recent plans. Evicting an old plan is harmless: the view only
// short-circuits local ordering and the control plane stays authoritative.
type PlanViews struct {
	mu    sync.Mutex
	order []string
	views map[string]*planView
}

// NewPlanViews creates an empty view set.
func NewPlanViews() *PlanViews {
	return &PlanViews{views: make(map[string]*planView)}
}

// MarkDone records one finished member.
func (p *PlanViews) MarkDone(parentID string, index, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.view(parentID)
	if total > v.total {
		v.total = total
	}
	v.done[index] = true
}

// Done reports whether a member finished on this agent.
func (p *PlanViews) Done(parentID string, index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[parentID]
	return ok && v.done[index]
}

// Progress returns (finished, total) for a plan the agent has seen.
func (p *PlanViews) Progress(parentID string) (int, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[parentID]
	if !ok {
		return 0, 0, false
	}
	return len(v.done), v.total, true
}

// Forget drops a plan's view.
func (p *PlanViews) Forget(parentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.views[parentID]; !ok {
		return
	}
	delete(p.views, parentID)
	for i, id := range p.order {
		if id == parentID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// view returns (creating if needed) the entry for a plan. Caller holds mu.
func (p *PlanViews) view(parentID string) *planView {
	if v, ok := p.views[parentID]; ok {
		return v
	}
	v := &planView{done: make(map[int]bool)}
	p.views[parentID] = v
	p.order = append(p.order, parentID)

	if len(p.order) > planViewCap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.views, oldest)
	}
	return v
}
