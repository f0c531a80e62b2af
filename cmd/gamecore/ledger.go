package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/ledger"
	"github.com/orecraft/gamecore/internal/services"
)

func newLedgerCmd() *cobra.Command {
	var limit int
	root := &cobra.Command{
		Use:   "ledger",
		Short: "Query the transaction ledger",
	}
	root.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "maximum entries")

	root.AddCommand(&cobra.Command{
		Use:   "recent",
		Short: "Newest entries across all modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerQuery(cmd, func(svc *services.Services) ([]ledger.Entry, error) {
				return svc.Ledger.Recent(cmd.Context(), limit)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "player <uuid or name>",
		Short: "Entries touching one player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerQuery(cmd, func(svc *services.Services) ([]ledger.Entry, error) {
				id, err := resolvePlayer(cmd, svc, args[0])
				if err != nil {
					return nil, err
				}
				return svc.Ledger.ByPlayer(cmd.Context(), id, limit)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "module <id>",
		Short: "Entries written by one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerQuery(cmd, func(svc *services.Services) ([]ledger.Entry, error) {
				return svc.Ledger.ByModule(cmd.Context(), args[0], limit)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "reason <substring>",
		Short: "Entries whose reason contains the substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerQuery(cmd, func(svc *services.Services) ([]ledger.Entry, error) {
				return svc.Ledger.ByReason(cmd.Context(), args[0], limit)
			})
		},
	})
	return root
}

func resolvePlayer(cmd *cobra.Command, svc *services.Services, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	p, err := svc.Players.ByName(cmd.Context(), arg)
	if err != nil {
		return uuid.Nil, err
	}
	return p.UUID, nil
}

func runLedgerQuery(cmd *cobra.Command, query func(*services.Services) ([]ledger.Entry, error)) error {
	ctx := cmd.Context()
	svc, err := boot(ctx, services.Options{})
	if err != nil {
		return err
	}
	defer svc.Shutdown(ctx)

	entries, err := query(svc)
	if err != nil {
		return err
	}
	emit(entries, func() {
		if len(entries) == 0 {
			fmt.Println("no entries")
			return
		}
		for _, e := range entries {
			printEntry(e)
		}
	})
	return nil
}

func printEntry(e ledger.Entry) {
	ts := time.Unix(e.TS, 0).UTC().Format(time.RFC3339)
	who := ""
	if e.From != uuid.Nil {
		who += " from=" + shortUUID(e.From)
	}
	if e.To != uuid.Nil {
		who += " to=" + shortUUID(e.To)
	}
	status := "ok"
	if !e.OK {
		status = e.Code
	}
	fmt.Printf("%8d  %s  %s/%s%s amount=%d seq=%d %s", e.ID, ts, e.ModuleID, e.Op, who, e.Amount, e.Seq, status)
	if e.Reason != "" {
		fmt.Printf("  %q", e.Reason)
	}
	fmt.Println()
}

func shortUUID(id uuid.UUID) string {
	return id.String()[:8]
}
