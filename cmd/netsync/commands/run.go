package commands

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/compiler"
	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/inventory"
)

// defaultDebounce is how long design changes must settle before a rerun.
const defaultDebounce = 500 * time.Millisecond

func newRunCommand() *cobra.Command {
	var (
		watch    bool
		showDiff bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [device...]",
		Short: "Render, diff and store the designed configuration",
		Long: `Reconcile the stored configuration with the design without contacting
any device.

For every selected device (all devices when none are named) the designed
configuration is rendered, diffed against the stored record and stored when it
changed. A later deploy only proceeds for devices whose stored record already
matches the design.

With --watch the run is repeated whenever the inventory, templates, facts
script or schema change. The metrics endpoint is served when
telemetry.metrics_addr is set.`,
		Example: `  # Reconcile every device
  netsync run

  # Reconcile two devices and show their diffs
  netsync run leaf1 leaf2 --diff

  # Re-reconcile on every design change
  netsync run --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				return runWatch(ctx, out, a, args, showDiff, debounce)
			}

			report, err := a.reconcile(ctx, out, runOptions{scope: engine.ScopeLocalOnly, devices: args})
			if err != nil {
				return err
			}
			if err := printReport(out, report, showDiff); err != nil {
				return err
			}
			if report.Failed() {
				return ErrDevicesFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rerun on design changes until interrupted")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the diff of every changed device")
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period before a watch rerun")

	return cmd
}

// runWatch runs once, then again after every settled design change. The
// watched paths and the store are fixed at start.
func runWatch(ctx context.Context, out io.Writer, a *app, devices []string, showDiff bool, debounce time.Duration) error {
	if _, err := a.tel.Metrics.Serve(ctx); err != nil {
		return err
	}

	runOnce := func() {
		report, err := a.reconcile(ctx, out, runOptions{scope: engine.ScopeLocalOnly, devices: devices})
		if err != nil {
			log.Error().Err(err).Msg("Run aborted")
			return
		}
		if err := printReport(out, report, showDiff); err != nil {
			log.Error().Err(err).Msg("Failed to print report")
		}
	}

	runOnce()

	paths := a.inv.WatchPaths()
	log.Info().Strs("paths", paths).Msg("Watching fleet design for changes")

	return watchPaths(ctx, paths, debounce, func() {
		if err := a.reloadDesign(); err != nil {
			log.Error().Err(err).Msg("Failed to reload inventory, keeping the previous design")
			return
		}
		runOnce()
	})
}

// reloadDesign re-reads the inventory and rebuilds the compiler so that
// template, facts and schema caches start empty.
func (a *app) reloadDesign() error {
	inv, err := inventory.Load(configPath)
	if err != nil {
		return err
	}
	if inv.StoreOptions() != a.inv.StoreOptions() {
		log.Warn().Msg("Store settings changed; restart to apply them")
	}
	a.inv = inv
	a.compiler = compiler.New(inv)
	return nil
}
