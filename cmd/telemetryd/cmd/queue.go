package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/solatis/telemetryd/internal/core/config"
	"github.com/solatis/telemetryd/internal/telemetry"
	"github.com/solatis/telemetryd/internal/types"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Print the client identity, decision and pending packets",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Probe the server and run one delivery pass now",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

func init() {
	rootCmd.AddCommand(queueCmd, flushCmd)
	queueCmd.Flags().Bool("json", false, "print the full queue as JSON")
}

func runQueue(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withPausedClient(func(cfg *config.Config, client *telemetry.Client) error {
		out := cmd.OutOrStdout()
		queue := client.Queue()

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"clientID":  client.ClientID(),
				"optIn":     client.DidOptIn(),
				"serverURL": client.ServerURL(),
				"queue":     queue,
			})
		}

		fmt.Fprintf(out, "client ID:  %s\n", client.ClientID())
		if first := types.ClientIDTime(types.ClientID(client.ClientID())); !first.IsZero() {
			fmt.Fprintf(out, "first run:  %s\n", first.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "opt-in:     %s\n", client.DidOptIn())
		fmt.Fprintf(out, "server URL: %s\n", client.ServerURL())
		fmt.Fprintf(out, "pending:    %d\n", len(queue))
		if len(queue) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nATTEMPTS\tNAME\tID")
		for _, info := range queue {
			fmt.Fprintf(w, "%d\t%s\t%s\n", info.Attempts, info.Packet.Name(), info.Packet.ID())
		}
		return w.Flush()
	})
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withPausedClient(func(cfg *config.Config, client *telemetry.Client) error {
		ctx := cmd.Context()
		before := client.QueueLength()
		online := client.UpdateNetworkStatus(ctx)
		client.AttemptDelivery(ctx)

		fmt.Fprintf(cmd.OutOrStdout(), "online=%t opt-in=%s pending before=%d after=%d\n",
			online, client.DidOptIn(), before, client.QueueLength())
		return nil
	})
}
