package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/netsync/pkg/engine"
)

func newRenderCommand() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "render <device>",
		Short: "Print the designed configuration of a device",
		Long: `Render the designed configuration of one device and print it.

Nothing is stored and no device is contacted. Secret placeholders are printed
as written; they are only substituted at deploy time.`,
		Example: `  # Render a device
  netsync render leaf1

  # Validate the whole design first
  netsync render leaf1 --validate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			d, ok := a.inv.Device(args[0])
			if !ok {
				return engine.NewInputValidationError(fmt.Sprintf("unknown device %q", args[0]), nil)
			}

			if validate {
				if err := a.compiler.Validate(ctx); err != nil {
					return err
				}
			}

			text, err := a.compiler.Render(ctx, d.Identity(engine.Credentials{}))
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, map[string]string{
					"device": d.Name,
					"family": string(d.CanonicalFamily()),
					"config": text,
				})
			}

			fmt.Fprint(out, text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "validate the whole fleet design before rendering")

	return cmd
}
