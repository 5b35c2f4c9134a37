// Package schedule launches plans and scripts on cron schedules.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

// cooldown is the minimum interval between two triggers of one schedule,
// protecting against a launch and the next minute tick overlapping.
const cooldown = 60 * time.Second

// Launcher is the slice of the store the scheduler needs.
type Launcher interface {
	EnabledSchedules(ctx context.Context) ([]*model.Schedule, error)
	LaunchPlan(ctx context.Context, planID string, mode model.ExecutionMode, owner string) (*model.Execution, error)
	LaunchScript(ctx context.Context, scriptID string, overrides map[string]string, owner string) (*model.Execution, error)
	TouchSchedule(ctx context.Context, id string) error
}

// Waker nudges the dispatcher after a scheduled launch.
type Waker interface {
	Wake()
}

// Scheduler ticks once a minute and launches matching schedules.
type Scheduler struct {
	launcher Launcher
	waker    Waker
	log      *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New creates a Scheduler.
func New(launcher Launcher, waker Waker, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		launcher: launcher,
		waker:    waker,
		log:      log,
		done:     make(chan struct{}),
		lastRun:  make(map[string]time.Time),
	}
}

// Start begins the minute loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Info("schedule loop started")
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	s.log.Info("schedule loop stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Tick(context.Background(), now)
		}
	}
}

// Tick evaluates every enabled schedule against now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.launcher.EnabledSchedules(ctx)
	if err != nil {
		s.log.Error("load schedules", "error", err)
		return
	}

	for _, sch := range schedules {
		expr, err := ParseCron(sch.CronSpec)
		if err != nil {
			s.log.Warn("invalid cron spec", "schedule_id", sch.ID, "error", err)
			continue
		}
		if !expr.Matches(now) {
			continue
		}
		if s.inCooldown(sch.ID, now) {
			continue
		}
		s.trigger(ctx, sch, now)
	}
}

func (s *Scheduler) inCooldown(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRun[id]; ok && now.Sub(last) < cooldown {
		return true
	}
	s.lastRun[id] = now
	return false
}

func (s *Scheduler) trigger(ctx context.Context, sch *model.Schedule, now time.Time) {
	var (
		exec *model.Execution
		err  error
	)
	if sch.PlanID != "" {
		exec, err = s.launcher.LaunchPlan(ctx, sch.PlanID, sch.Mode, "scheduler")
	} else {
		exec, err = s.launcher.LaunchScript(ctx, sch.ScriptID, nil, "scheduler")
	}
	if err != nil {
		s.log.Error("scheduled launch failed",
			"schedule_id", sch.ID, "name", sch.Name, "error", err)
		return
	}

	if err := s.launcher.TouchSchedule(ctx, sch.ID); err != nil {
		s.log.Warn("record schedule run", "schedule_id", sch.ID, "error", err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	s.log.Info("schedule triggered",
		"schedule_id", sch.ID, "name", sch.Name,
		"execution_id", exec.ID, "display_id", exec.DisplayID)
}
