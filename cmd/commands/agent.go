package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/mkoppel/testrig/internal/agent"
	"github.com/mkoppel/testrig/internal/config"
)

// NewAgentCommand returns the executor agent subcommand.
func NewAgentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Start an executor agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Control plane base URL",
			},
			&cli.StringFlag{
				Name:  "broker",
				Usage: "AMQP broker URL",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Worker display name",
			},
			&cli.IntFlag{
				Name:  "max-concurrent",
				Usage: "Concurrent task budget",
			},
		},
		Action: runAgent,
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("server") {
		cfg.Agent.ServerURL = cmd.String("server")
	}
	if cmd.IsSet("broker") {
		cfg.Agent.BrokerURL = cmd.String("broker")
	}
	if cmd.IsSet("name") {
		cfg.Agent.Name = cmd.String("name")
	}
	if cmd.IsSet("max-concurrent") {
		cfg.Agent.MaxConcurrent = int(cmd.Int("max-concurrent"))
	}
	setupLogging(cmd.Bool("debug"), cfg.Agent.LogLevel)
	log := slog.Default()

	uuid, err := config.AgentUUID()
	if err != nil {
		return err
	}

	exec := agent.New(agent.Config{
		ServerURL:     cfg.Agent.ServerURL,
		BrokerURL:     cfg.Agent.BrokerURL,
		UUID:          uuid,
		Name:          cfg.Agent.Name,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		BrowserTypes:  cfg.Agent.BrowserTypes,
		Owner:         cfg.Agent.Owner,
		Logger:        log,
	})

	err = exec.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("agent stopped")
		return nil
	}
	return err
}
