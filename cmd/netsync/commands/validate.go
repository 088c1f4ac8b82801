package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/compiler"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the inventory, design and policies",
		Long: `Validate the inventory and the fleet design without rendering or storing anything.

This command checks:
  - Inventory structure and field constraints
  - Every device's variables against the CUE schema
  - The Starlark facts script
  - That every device has a parseable template
  - That deploy guard policies compile`,
		Example: `  # Validate the default inventory
  netsync validate

  # Validate another inventory
  netsync validate --config ./lab/netsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Str("inventory", a.inv.Path()).Msg("Validating fleet design")

			if err := a.compiler.Validate(ctx); err != nil {
				var problems compiler.ValidationErrors
				if errors.As(err, &problems) && !jsonOutput {
					for _, p := range problems {
						fmt.Fprintf(out, "✗ %s\n", p.String())
					}
				}
				return err
			}

			eng, err := a.newPolicyEngine(ctx)
			if err != nil {
				return err
			}
			policies := eng.ListPolicies()

			if jsonOutput {
				names := make([]string, 0, len(policies))
				for _, p := range policies {
					names = append(names, p.Name)
				}
				return printJSON(out, map[string]interface{}{
					"valid":    true,
					"devices":  len(a.inv.Devices),
					"policies": names,
				})
			}

			fmt.Fprintf(out, "✓ Inventory: %d devices\n", len(a.inv.Devices))
			fmt.Fprintf(out, "✓ Design: schema, facts and templates valid\n")
			fmt.Fprintf(out, "✓ Policies: %d loaded\n", len(policies))
			return nil
		},
	}

	return cmd
}
