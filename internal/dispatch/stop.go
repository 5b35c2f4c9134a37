package dispatch

import (
	"context"
	"log/slog"

	"github.com/mkoppel/testrig/internal/metrics"
	"github.com/mkoppel/testrig/internal/model"
)

// StopRecords is the slice of the store the stop flow needs.
type StopRecords interface {
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	MarkExecutionStopped(ctx context.Context, id string) error
	CancelChildren(ctx context.Context, parentID string) (int, error)
	CancelExecutionTasks(ctx context.Context, executionID string) error
}

// Stopper runs the stop protocol: stop intent is written before anything is
// cancelled, so every later check (dispatch, bind, agent status poll) sees
// it no matter how the cascade interleaves.
type Stopper struct {
	records StopRecords
	log     *slog.Logger
}

// NewStopper creates a Stopper.
func NewStopper(records StopRecords, log *slog.Logger) *Stopper {
	if log == nil {
		log = slog.Default()
	}
	return &Stopper{records: records, log: log}
}

// Stop stops one execution. For a plan it cascades to every non-terminal
// child; for a script it cancels the execution's own tasks.
func (s *Stopper) Stop(ctx context.Context, executionID string) error {
	exec, err := s.records.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if err := s.records.MarkExecutionStopped(ctx, executionID); err != nil {
		return err
	}
	metrics.ExecutionsStopped.Inc()

	if exec.Kind == model.KindPlan {
		n, err := s.records.CancelChildren(ctx, executionID)
		if err != nil {
			return err
		}
		s.log.Info("plan stopped", "execution_id", executionID, "children_cancelled", n)
		return nil
	}

	if err := s.records.CancelExecutionTasks(ctx, executionID); err != nil {
		return err
	}
	s.log.Info("execution stopped", "execution_id", executionID)
	return nil
}
