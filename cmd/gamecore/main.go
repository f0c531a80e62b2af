// Command gamecore is the admin surface of the persistence core: schema
// migration, snapshots, ledger queries, scheduled jobs, diagnostics, and the
// long-running serve mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/orecraft/gamecore/internal/config"
	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/services"
)

// Version is stamped by the build.
var Version = "dev"

var (
	configPath string
	jsonOutput bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fail(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamecore",
		Short:         "Persistence and coordination core admin tool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the JSON config file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON")

	root.AddCommand(
		newPingCmd(),
		newInfoCmd(),
		newMigrateCmd(),
		newExportCmd(),
		newRestoreCmd(),
		newBackupCmd(),
		newDoctorCmd(),
		newLedgerCmd(),
		newJobsCmd(),
		newServeCmd(),
	)
	return root
}

// setup loads the config and installs the default logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler
	if cfg.Log.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return cfg, log, nil
}

// boot wires the core for a one-shot command: no scheduler, no supervisor.
func boot(ctx context.Context, opts services.Options) (*services.Services, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, err
	}
	return services.Boot(ctx, cfg, log, opts)
}

// emit renders a result either as JSON with ok:true folded in, or by calling
// the plain-text renderer.
func emit(v any, text func()) {
	if !jsonOutput {
		text()
		return
	}
	payload := map[string]any{"ok": true, "result": v}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

// fail prints the error in the selected format and exits 1. Core errors
// carry their taxonomy code into the JSON shape.
func fail(err error) {
	code := "INTERNAL"
	var ge *gamedb.Error
	if errors.As(err, &ge) {
		code = string(ge.Code)
	}
	if jsonOutput {
		out, _ := json.Marshal(map[string]any{"ok": false, "code": code, "error": err.Error()})
		fmt.Println(string(out))
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
