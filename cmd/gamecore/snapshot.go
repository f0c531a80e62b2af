package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/services"
	"github.com/orecraft/gamecore/internal/snapshot"
)

func newExportCmd() *cobra.Command {
	var outDir string
	var gzipOut bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a consistent snapshot of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			res, err := svc.Exporter.Export(ctx, outDir, gzipOut)
			if err != nil {
				return err
			}
			emit(res, func() {
				fmt.Printf("wrote %s (sha256 %s)\n", res.Path, res.Checksum[:12])
				for typ, n := range res.Rows {
					fmt.Printf("  %-10s %d\n", typ, n)
				}
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "backups", "output directory")
	cmd.Flags().BoolVar(&gzipOut, "gzip", false, "gzip the snapshot")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		from                 string
		mode                 string
		strategy             string
		overwrite            bool
		skipFKChecks         bool
		allowMissingChecksum bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a snapshot back into the database",
		Long: `Load a snapshot back into the database.

--from takes a snapshot file or a directory (the newest snapshot wins).
--mode fresh replaces current state; --mode merge folds the snapshot in.
--strategy staging loads fresh imports into shadow tables and swaps them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strategy != "atomic" && strategy != "staging" {
				return fmt.Errorf("unknown strategy %q (want atomic or staging)", strategy)
			}
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			res, err := svc.Importer.Import(ctx, from, snapshot.Options{
				Mode:                 mode,
				Staging:              strategy == "staging",
				Overwrite:            overwrite,
				SkipFKChecks:         skipFKChecks,
				AllowMissingChecksum: allowMissingChecksum,
			})
			if err != nil {
				return err
			}
			emit(res, func() {
				fmt.Printf("restored %s (%s)\n", res.Path, res.Mode)
				for typ, n := range res.Rows {
					fmt.Printf("  %-10s %d\n", typ, n)
				}
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "backups", "snapshot file or directory")
	cmd.Flags().StringVar(&mode, "mode", snapshot.ModeFresh, "fresh or merge")
	cmd.Flags().StringVar(&strategy, "strategy", "atomic", "atomic or staging (fresh mode only)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "merge mode: replace colliding rows")
	cmd.Flags().BoolVar(&skipFKChecks, "skip-fk-checks", false, "disable FK checks during the load")
	cmd.Flags().BoolVar(&allowMissingChecksum, "allow-missing-checksum", false,
		"proceed without a .sha256 sidecar")
	return cmd
}

func newBackupCmd() *cobra.Command {
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot backups",
	}
	backup.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Export a snapshot and prune old ones, like the scheduled job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			path, err := svc.BackupNow(ctx)
			if err != nil {
				return err
			}
			result := map[string]any{"path": path}
			emit(result, func() {
				fmt.Println("wrote", path)
			})
			return nil
		},
	})
	return backup
}
