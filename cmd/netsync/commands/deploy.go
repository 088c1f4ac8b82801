package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/inventory"
	"github.com/openfroyo/netsync/pkg/secrets"
)

func newDeployCommand() *cobra.Command {
	var showDiff bool

	cmd := &cobra.Command{
		Use:   "deploy [device...]",
		Short: "Deploy the designed configuration to devices",
		Long: `Deploy the designed configuration to every selected device (all devices
when none are named).

A device is only deployed when its stored record already matches the design,
so run "netsync run" and review the diffs first. Deploy guard policies are
evaluated before any device is contacted. Secret placeholders are substituted
just before the candidate is sent.

Credentials are read from DEPLOY_USERNAME and DEPLOY_PASSWORD.`,
		Example: `  # Deploy every device
  DEPLOY_USERNAME=admin DEPLOY_PASSWORD=... netsync deploy

  # Deploy one device with credentials from a dotenv file
  netsync deploy leaf1 --env-file .env --diff`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			creds := inventory.CredentialsFromEnv()
			if err := inventory.RequireCredentials(creds); err != nil {
				return err
			}

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			secretMap, err := secrets.Load(ctx, a.inv.SecretsOptions())
			if err != nil {
				return engine.NewInputValidationError("failed to load secrets", err)
			}
			log.Info().Int("secrets", secretMap.Len()).Str("prefix", secretMap.Prefix()).Msg("Secrets loaded")

			guard, err := a.newPolicyEngine(ctx)
			if err != nil {
				return err
			}

			report, err := a.reconcile(ctx, out, runOptions{
				scope:   engine.ScopeDeploy,
				devices: args,
				creds:   creds,
				secrets: secretMap,
				guard:   guard,
			})
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

	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the device-side diff of every changed device")

	return cmd
}
