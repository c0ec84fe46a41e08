package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/solatis/telemetryd/internal/core/config"
	"github.com/solatis/telemetryd/internal/telemetry"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event NAME",
	Short: "Enqueue one telemetry event without delivering it",
	Long: `Enqueue one telemetry event. The event is persisted and delivered by the
next running agent while the user is opted in.

Field values that parse as JSON keep their type (--field count=3 is a number);
anything else is sent as a string. --json fields are applied after --field.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvent,
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.Flags().StringArray("field", nil, "event field as key=value (repeatable)")
	eventCmd.Flags().String("json", "", "event fields as a JSON object")
}

func runEvent(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("field")
	raw, _ := cmd.Flags().GetString("json")

	fields, err := parseFields(pairs, raw)
	if err != nil {
		return err
	}

	return withPausedClient(func(cfg *config.Config, client *telemetry.Client) error {
		client.AddEvent(args[0], fields)
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%d pending)\n", args[0], client.QueueLength())
		return nil
	})
}

// parseFields merges key=value pairs and a JSON object into one field map.
func parseFields(pairs []string, raw string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q: want key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			fields[key] = typed
		} else {
			fields[key] = value
		}
	}

	if raw != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
		if obj == nil {
			return nil, fmt.Errorf("invalid --json: want a JSON object")
		}
		for k, v := range obj {
			fields[k] = v
		}
	}
	return fields, nil
}
