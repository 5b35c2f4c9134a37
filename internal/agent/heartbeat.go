package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mkoppel/testrig/internal/model"
)

const heartbeatInterval = 30 * time.Second

// Beater is the slice of the client the heartbeat loop needs.
type Beater interface {
	Heartbeat(ctx context.Context, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error)
	StatusCheck(ctx context.Context, executionID string) (*model.StatusCheckResponse, error)
}

// Heartbeat periodically reports the agent's state and resource usage, and
// polls the parents of running plan members for stop intent.
type Heartbeat struct {
	plane  Beater
	intake *Intake
	seq    *SeqQueue
	stops  *StopCache
	uuid   string
	log    *slog.Logger
}

// NewHeartbeat creates a heartbeat loop.
func NewHeartbeat(plane Beater, intake *Intake, seq *SeqQueue, stops *StopCache, uuid string, log *slog.Logger) *Heartbeat {
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{plane: plane, intake: intake, seq: seq, stops: stops, uuid: uuid, log: log}
}

// Run sends heartbeats until ctx is cancelled. One is sent immediately so
// the worker counts as live right after registration.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	h.scanStopped(ctx)

	req := &model.HeartbeatRequest{
		ExecutorUUID: h.uuid,
		State:        h.state(),
		CurrentTasks: h.intake.InFlight(),
	}
	h.sampleResources(req)

	resp, err := h.plane.Heartbeat(ctx, req)
	if err != nil {
		h.log.Warn("heartbeat failed", "error", err)
		return
	}
	if resp.PendingTasks > req.CurrentTasks {
		// The control plane has bound work this agent has not consumed yet;
		// worth seeing in the logs when a queue backs up.
		h.log.Info("assignments waiting in queue",
			"pending", resp.PendingTasks, "running", req.CurrentTasks)
	}
}

// scanStopped polls the parents of running plan members so a stop issued
// while this agent is mid-plan is noticed within one heartbeat interval,
// then prunes the stopped-cache down to the parents still running here.
func (h *Heartbeat) scanStopped(ctx context.Context) {
	parents := h.seq.ActiveParents()
	for _, parentID := range parents {
		if h.stops.Contains(parentID) {
			continue
		}
		status, err := h.plane.StatusCheck(ctx, parentID)
		if err != nil {
			h.log.Warn("parent status poll failed", "execution_id", parentID, "error", err)
			continue
		}
		if status.Status == model.ExecutionStopped {
			h.log.Info("parent execution stopped", "execution_id", parentID)
			h.stops.Add(parentID)
		}
	}
	h.stops.Retain(parents)
}

func (h *Heartbeat) state() model.WorkerState {
	n := h.intake.InFlight()
	switch {
	case n == 0:
		return model.WorkerIdle
	case n >= h.intake.Capacity():
		return model.WorkerBusy
	default:
		return model.WorkerOnline
	}
}

// sampleResources fills resource usage, best effort.
func (h *Heartbeat) sampleResources(req *model.HeartbeatRequest) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		req.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		req.MemoryUsage = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		req.DiskUsage = du.UsedPercent
	}
}
