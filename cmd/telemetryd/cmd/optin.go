package cmd

import (
	"fmt"

	"github.com/solatis/telemetryd/internal/core/config"
	"github.com/solatis/telemetryd/internal/telemetry"
	"github.com/solatis/telemetryd/internal/types"
	"github.com/spf13/cobra"
)

var optInCmd = &cobra.Command{
	Use:   "opt-in [yes|no]",
	Short: "Show or record the user's telemetry decision",
	Long: `Without an argument, print the persisted decision (undecided, opted_in or
opted_out). With an argument, record an explicit decision. Opting out keeps
queued events; they are delivered if the user opts back in.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOptIn,
}

func init() {
	rootCmd.AddCommand(optInCmd)
}

func runOptIn(cmd *cobra.Command, args []string) error {
	var decision types.OptIn
	if len(args) == 1 {
		v, err := types.ParseOptIn(args[0])
		if err != nil {
			return err
		}
		if v == types.OptInUndecided {
			return fmt.Errorf("%w: %q is not a decision, use yes or no", types.ErrInvalidOptIn, args[0])
		}
		decision = v
	}

	return withPausedClient(func(cfg *config.Config, client *telemetry.Client) error {
		if decision != types.OptInUndecided {
			if err := client.SetDidOptIn(decision.Bool()); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), client.DidOptIn())
		return nil
	})
}
