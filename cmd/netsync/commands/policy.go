package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test deploy guard policies",
		Long: `Inspect and test the deploy guard policies.

Built-in policies are always loaded; the inventory's policy.paths add .rego
and .json policies, and policy.disabled switches policies off.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deploy guard policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newPolicyEngine(ctx)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return printJSON(out, policies)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "check [device...]",
		Short: "Evaluate policies against the designed configurations",
		Long: `Render the selected devices (all devices when none are named) and evaluate
the deploy guard policies against them, without storing or deploying anything.

With --watch the policy files are reloaded and the check repeated whenever
they change.`,
		Example: `  # Check every device
  netsync policy check

  # Iterate on a policy
  netsync policy check leaf1 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.newPolicyEngine(ctx)
			if err != nil {
				return err
			}

			blocked, err := a.checkPolicies(ctx, out, eng, args)
			if err != nil {
				return err
			}

			if !watch {
				if blocked > 0 {
					return ErrDevicesFailed
				}
				return nil
			}

			if len(a.inv.Policy.Paths) == 0 {
				return fmt.Errorf("--watch needs policy.paths in the inventory")
			}

			loader := policy.NewLoader(a.tel.Logger.NewComponentLogger("policy-loader").Zerolog())
			defer loader.StopWatching()

			err = loader.Watch(ctx, a.inv.Policy.Paths, func(policies []policy.Policy) error {
				if err := eng.ReplacePolicies(ctx, policies); err != nil {
					return err
				}
				for _, name := range a.inv.Policy.Disabled {
					if err := eng.DisablePolicy(name); err != nil {
						log.Warn().Err(err).Str("policy", name).Msg("Disabled policy no longer exists")
					}
				}
				if _, err := a.checkPolicies(ctx, out, eng, args); err != nil {
					log.Error().Err(err).Msg("Policy check failed")
				}
				return nil
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload policies and recheck on change")

	return cmd
}

// checkPolicies prints the violations of every selected device and returns
// the number of devices a deploy would refuse.
func (a *app) checkPolicies(ctx context.Context, out io.Writer, eng *policy.Engine, names []string) (int, error) {
	selected, err := a.inv.Select(names)
	if err != nil {
		return 0, err
	}

	type deviceResult struct {
		Device string         `json:"device"`
		Result *policy.Result `json:"result"`
	}
	results := make([]deviceResult, 0, len(selected))
	blocked := 0

	for _, d := range selected {
		identity := d.Identity(engine.Credentials{})
		rendered, err := a.compiler.Render(ctx, identity)
		if err != nil {
			return 0, err
		}

		result, err := eng.Evaluate(ctx, policy.NewInput(identity, rendered))
		if err != nil {
			return 0, err
		}
		if len(result.Blocking()) > 0 {
			blocked++
		}
		results = append(results, deviceResult{Device: d.Name, Result: result})
	}

	if jsonOutput {
		return blocked, printJSON(out, results)
	}

	for _, r := range results {
		mark := "✓"
		if len(r.Result.Blocking()) > 0 {
			mark = "✗"
		}
		fmt.Fprintf(out, "%s %s\n", mark, r.Device)
		for _, v := range r.Result.Violations {
			fmt.Fprintf(out, "    [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
	}
	fmt.Fprintf(out, "\n%d devices checked, %d would be refused\n", len(results), blocked)

	return blocked, nil
}
