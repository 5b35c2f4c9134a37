package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mkoppel/testrig/internal/broker"
	"github.com/mkoppel/testrig/internal/config"
	"github.com/mkoppel/testrig/internal/dispatch"
	"github.com/mkoppel/testrig/internal/schedule"
	"github.com/mkoppel/testrig/internal/server"
	"github.com/mkoppel/testrig/internal/store"
)

// NewServerCommand returns the control plane subcommand.
func NewServerCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Start the control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the sqlite database",
			},
			&cli.StringFlag{
				Name:  "broker",
				Usage: "AMQP broker URL",
			},
		},
		Action: runServer,
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("db") {
		cfg.Server.DatabasePath = cmd.String("db")
	}
	if cmd.IsSet("broker") {
		cfg.Server.BrokerURL = cmd.String("broker")
	}
	setupLogging(cmd.Bool("debug"), cfg.Server.LogLevel)
	log := slog.Default()

	if err := os.MkdirAll(cfg.Server.MediaRoot, 0o755); err != nil {
		return err
	}

	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher := broker.NewPublisher(broker.Config{URL: cfg.Server.BrokerURL, Logger: log})
	defer publisher.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Records:   st,
		Publisher: publisher,
		Logger:    log,
		Batch:     cfg.Server.DispatchBatch,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	stopper := dispatch.NewStopper(st, log)
	aggregator := dispatch.NewAggregator(st, log)

	scheduler := schedule.New(st, dispatcher, log)
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Store:      st,
		Dispatcher: dispatcher,
		Stopper:    stopper,
		Aggregator: aggregator,
		MediaRoot:  cfg.Server.MediaRoot,
		Logger:     log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}
