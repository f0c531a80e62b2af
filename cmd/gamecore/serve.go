package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/services"
	"github.com/orecraft/gamecore/internal/telemetry"
)

const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the core until interrupted",
		Long: `Run the core until interrupted: applies the schema, starts the event bus
workers, the job scheduler, and the connection supervisor, then waits for
SIGINT or SIGTERM and shuts down in reverse order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := telemetry.Init(ctx, "gamecore", Version); err != nil {
				log.Warn("telemetry init failed", "error", err)
			}

			svc, err := services.Boot(ctx, cfg, log, services.Options{
				Migrate:         true,
				StartBackground: true,
			})
			if err != nil {
				return err
			}
			log.Info("core running", "version", Version,
				"db", fmt.Sprintf("%s:%d/%s", cfg.DB.Host, cfg.DB.Port, cfg.DB.Database),
				"node", cfg.Runtime.ServerNode)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case received := <-sig:
				log.Info("shutting down", "signal", received.String())
			case <-ctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			svc.Shutdown(stopCtx)
			return nil
		},
	}
}
