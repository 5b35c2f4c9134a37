package agent

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/mkoppel/testrig/internal/broker"
	"github.com/mkoppel/testrig/internal/engine"
	"github.com/mkoppel/testrig/internal/model"
)

// Config holds everything an executor agent needs to run.
type Config struct {
	ServerURL     string
	BrokerURL     string
	UUID          string
	Name          string
	MaxConcurrent int
	BrowserTypes  []string
	Owner         string
	Logger        *slog.Logger
}

// Executor is the assembled agent: registration, broker intake, the runner,
// and the heartbeat loop.
type Executor struct {
	cfg      Config
	log      *slog.Logger
	client   *Client
	consumer *broker.Consumer
	intake   *Intake
	beat     *Heartbeat
}

// New wires an Executor from config.
func New(cfg Config) *Executor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	client := NewClient(cfg.ServerURL, log)
	stops := NewStopCache()
	views := NewPlanViews()
	seq := NewSeqQueue(views)
	runner := NewRunner(client, engine.NewFactory(), stops, log)
	intake := NewIntake(IntakeConfig{
		Runner:        runner,
		Plane:         client,
		Seq:           seq,
		Stops:         stops,
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        log,
	})

	return &Executor{
		cfg:      cfg,
		log:      log,
		client:   client,
		consumer: broker.NewConsumer(broker.Config{URL: cfg.BrokerURL, Logger: log}, cfg.UUID),
		intake:   intake,
		beat:     NewHeartbeat(client, intake, seq, stops, cfg.UUID, log),
	}
}

// Run registers the agent and runs the intake and heartbeat loops until ctx
// is cancelled or one of them fails.
func (e *Executor) Run(ctx context.Context) error {
	resp, err := e.client.Register(ctx, &model.RegisterRequest{
		ExecutorUUID:  e.cfg.UUID,
		ExecutorName:  e.cfg.Name,
		Platform:      runtime.GOOS,
		BrowserTypes:  e.cfg.BrowserTypes,
		OwnerUsername: e.cfg.Owner,
	})
	if err != nil {
		return err
	}
	e.log.Info("agent registered",
		"executor_id", resp.ExecutorID, "uuid", e.cfg.UUID, "name", e.cfg.Name)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.consumer.Run(ctx, e.intake.Handle) })
	g.Go(func() error { return e.beat.Run(ctx) })

	err = g.Wait()
	e.intake.Drain()
	_ = e.consumer.Close()
	return err
}
