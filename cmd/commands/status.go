package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mkoppel/testrig/internal/config"
	"github.com/mkoppel/testrig/internal/model"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show control plane and worker status",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			base := cfg.Agent.ServerURL
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(base + "/api/health")
			if err != nil {
				fmt.Println("Control plane: NOT RUNNING")
				return nil
			}
			resp.Body.Close()
			fmt.Println("Control plane: ALIVE")

			resp, err = client.Get(base + "/api/workers")
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			defer resp.Body.Close()

			var workers []*model.Worker
			if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
				return fmt.Errorf("decode workers: %w", err)
			}

			if len(workers) == 0 {
				fmt.Println("Workers: none registered")
				return nil
			}
			now := time.Now()
			for _, w := range workers {
				state := "OFFLINE"
				if w.Online(now) {
					state = string(w.State)
				}
				fmt.Printf("  %-20s %-8s %d/%d tasks\n",
					w.Name, state, w.CurrentTasks, w.MaxConcurrent)
			}
			return nil
		},
	}
}
