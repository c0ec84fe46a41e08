package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/solatis/telemetryd/internal/core/server"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running agent's health endpoint",
	Long: `Query the status API of a running agent. Prints the overall status and the
delivery status, which is SERVING while the telemetry service is reachable.
Exits non-zero when the agent is not serving.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("addr", "", "agent status API address (default from config)")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = net.JoinHostPort(cfg.StatusAPI.Host, strconv.Itoa(cfg.StatusAPI.Port))
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	defer conn.Close()

	return checkHealth(cmd.Context(), grpc_health_v1.NewHealthClient(conn), timeout, cmd.OutOrStdout())
}

// checkHealth prints both statuses and fails unless the agent is serving.
func checkHealth(ctx context.Context, client grpc_health_v1.HealthClient, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	overall, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	delivery, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: server.DeliveryService})
	if err != nil {
		return fmt.Errorf("delivery health check failed: %w", err)
	}

	fmt.Fprintf(out, "agent:    %s\n", overall.GetStatus())
	fmt.Fprintf(out, "delivery: %s\n", delivery.GetStatus())

	if overall.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent is %s", overall.GetStatus())
	}
	return nil
}
