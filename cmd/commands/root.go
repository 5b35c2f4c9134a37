package commands

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mkoppel/testrig/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "testrig",
		Usage: "Distributed test execution platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServerCommand(),
			NewAgentCommand(),
			NewStatusCommand(),
		},
	}
}

// setupLogging configures the default slog logger from flags and config.
func setupLogging(debug bool, level string) {
	lvl := slog.LevelInfo
	if debug || level == "debug" {
		lvl = slog.LevelDebug
	} else if level == "warn" {
		lvl = slog.LevelWarn
	} else if level == "error" {
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
