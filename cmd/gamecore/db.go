package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/services"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Verify database connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			start := time.Now()
			if err := svc.Pool.Probe(ctx); err != nil {
				return err
			}
			latency := time.Since(start)

			result := map[string]any{
				"host":      svc.Cfg.DB.Host,
				"database":  svc.Cfg.DB.Database,
				"latencyMs": latency.Milliseconds(),
			}
			emit(result, func() {
				fmt.Printf("pong from %s/%s in %s\n",
					svc.Cfg.DB.Host, svc.Cfg.DB.Database, latency.Round(time.Millisecond))
			})
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database and schema status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			version, err := svc.Schema.Version(ctx)
			if err != nil {
				return err
			}
			playerCount, err := svc.Players.Count(ctx)
			if err != nil {
				return err
			}
			var ledgerCount int64
			if err := svc.Pool.DB().QueryRowContext(ctx,
				"SELECT COUNT(*) FROM core_ledger").Scan(&ledgerCount); err != nil {
				ledgerCount = -1
			}

			result := map[string]any{
				"version":        Version,
				"schemaVersion":  version,
				"runtimeVersion": gamedb.SchemaVersion,
				"healthy":        svc.Pool.Healthy(),
				"players":        playerCount,
				"ledgerRows":     ledgerCount,
				"serverNode":     svc.Cfg.Runtime.ServerNode,
			}
			emit(result, func() {
				fmt.Printf("gamecore %s\n", Version)
				fmt.Printf("  schema version: %d (runtime expects %d)\n", version, gamedb.SchemaVersion)
				fmt.Printf("  pool healthy:   %v\n", svc.Pool.Healthy())
				fmt.Printf("  players:        %d\n", playerCount)
				fmt.Printf("  ledger rows:    %d\n", ledgerCount)
			})
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or apply the schema",
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "List pending schema work without applying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			pending, err := svc.Schema.Check(ctx)
			if err != nil {
				return err
			}
			result := map[string]any{"pending": pending, "upToDate": len(pending) == 0}
			emit(result, func() {
				if len(pending) == 0 {
					fmt.Println("schema up to date")
					return
				}
				fmt.Printf("%d pending:\n", len(pending))
				for _, p := range pending {
					fmt.Println("  " + p)
				}
			})
			return nil
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Apply the schema under the migration lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			if err := svc.Schema.Apply(ctx); err != nil {
				return err
			}
			result := map[string]any{"schemaVersion": gamedb.SchemaVersion}
			emit(result, func() {
				fmt.Printf("schema applied, version %d\n", gamedb.SchemaVersion)
			})
			return nil
		},
	})
	return migrate
}
