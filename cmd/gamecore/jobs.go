package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/doctor"
	"github.com/orecraft/gamecore/internal/scheduler"
	"github.com/orecraft/gamecore/internal/services"
)

func newJobsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger scheduled jobs",
	}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			jobs := svc.Scheduler.Jobs()
			emit(jobs, func() {
				for _, j := range jobs {
					state := "enabled"
					if j.Disabled {
						state = "disabled"
					}
					fmt.Printf("%-20s %-16s %s\n", j.ID, j.Schedule, state)
					fmt.Printf("  %s\n", j.Description)
				}
			})
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run <id>",
		Short: "Trigger a job immediately and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			res := svc.Scheduler.Trigger(args[0])
			switch res {
			case scheduler.RunUnknown:
				return fmt.Errorf("unknown job %q", args[0])
			case scheduler.RunDisabled:
				return fmt.Errorf("job %q is disabled", args[0])
			}
			// A one-shot process must not exit before the fire finishes;
			// the scheduler quiesce waits for in-flight runs.
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := svc.Scheduler.Stop(waitCtx); err != nil {
				return err
			}

			result := map[string]any{"job": args[0], "result": res.String()}
			emit(result, func() {
				fmt.Printf("job %s: %s\n", args[0], res)
			})
			return nil
		},
	})
	return root
}

func newDoctorCmd() *cobra.Command {
	var fk, orphans, counts, analyze, locks bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the live database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := boot(ctx, services.Options{})
			if err != nil {
				return err
			}
			defer svc.Shutdown(ctx)

			var groups []string
			if fk {
				groups = append(groups, doctor.GroupFK)
			}
			if orphans {
				groups = append(groups, doctor.GroupOrphans)
			}
			if counts {
				groups = append(groups, doctor.GroupCounts)
			}
			if analyze {
				groups = append(groups, doctor.GroupAnalyze)
			}
			if locks {
				groups = append(groups, doctor.GroupLocks)
			}

			report := svc.Doctor.Run(ctx, groups...)
			emit(report, func() {
				for _, c := range report.Checks {
					marker := "✓"
					switch c.Status {
					case doctor.StatusWarning:
						marker = "!"
					case doctor.StatusError:
						marker = "✗"
					}
					fmt.Printf("%s %-22s %s\n", marker, c.Name, c.Message)
					if c.Detail != "" {
						fmt.Printf("    %s\n", c.Detail)
					}
					if c.Fix != "" {
						fmt.Printf("    fix: %s\n", c.Fix)
					}
				}
			})
			if !report.Healthy {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fk, "fk", false, "foreign key integrity checks only")
	cmd.Flags().BoolVar(&orphans, "orphans", false, "orphan row checks only")
	cmd.Flags().BoolVar(&counts, "counts", false, "row count checks only")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "refresh table statistics")
	cmd.Flags().BoolVar(&locks, "locks", false, "advisory lock checks only")
	return cmd
}
