package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/inventory"
)

// ErrDevicesFailed is returned by run and deploy when at least one device
// flow failed. The report has already been printed.
var ErrDevicesFailed = errors.New("one or more devices failed")

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool
	jsonOutput bool
)

// buildVersion is reported as the telemetry service version.
var buildVersion = "dev"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "netsync",
		Short: "netsync - network device configuration reconciliation",
		Long: `netsync renders the designed configuration of every device in an
inventory, records it, and deploys it to the devices.

Features:
  - Typed design variables via CUE
  - Fleet-wide facts via Starlark
  - Per-family text templates
  - Unified diffs against the stored configuration
  - Atomic deployment over eAPI config sessions and SSH shells
  - Deploy guard policies (OPA/rego)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if envFile != "" {
				// Existing environment variables win over the file.
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", envFile, err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", inventory.DefaultFile, "inventory file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment (credentials, secrets)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
