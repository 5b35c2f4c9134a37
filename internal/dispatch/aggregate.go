package dispatch

import (
	"context"
	"log/slog"

	"github.com/mkoppel/testrig/internal/model"
	"github.com/mkoppel/testrig/internal/store"
)

// AggregateRecords is the slice of the store plan aggregation needs.
type AggregateRecords interface {
	AggregatePlan(ctx context.Context, parentID string) (store.PlanRollup, error)
}

// Aggregator recomputes a plan's state whenever one of its children
// finishes. OnTerminal fires once per transition into a terminal state.
type Aggregator struct {
	records    AggregateRecords
	log        *slog.Logger
	OnTerminal func(parentID string, state model.ExecutionState)
}

// NewAggregator creates an Aggregator.
func NewAggregator(records AggregateRecords, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{records: records, log: log}
}

// ChildFinished rolls a child's terminal state up into the parent plan.
func (a *Aggregator) ChildFinished(ctx context.Context, parentID string) (store.PlanRollup, error) {
	rollup, err := a.records.AggregatePlan(ctx, parentID)
	if err != nil {
		return rollup, err
	}
	if rollup.Changed {
		a.log.Info("plan state recomputed",
			"execution_id", parentID, "state", rollup.State)
	}
	if rollup.Changed && rollup.Terminal && a.OnTerminal != nil {
		a.OnTerminal(parentID, rollup.State)
	}
	return rollup, nil
}
