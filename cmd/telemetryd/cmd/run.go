package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/solatis/telemetryd/internal/core/config"
	"github.com/solatis/telemetryd/internal/core/server"
	"github.com/solatis/telemetryd/internal/core/store"
	"github.com/solatis/telemetryd/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const Version = "0.1.0"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the telemetry agent until interrupted",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("host", "127.0.0.1", "status API host")
	runCmd.Flags().Int("port", 50061, "status API port")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
	runCmd.Flags().Bool("ephemeral", false, "keep identity and queue in memory only (nothing survives exit)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.StatusAPI.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.StatusAPI.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.StatusAPI.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	st, closeStore, err := agentStore(cfg, ephemeral)
	if err != nil {
		return err
	}
	defer closeStore()

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(&cfg.StatusAPI, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	var metricsServer *server.MetricsServer
	if cfg.StatusAPI.MetricsAddr != "" {
		metricsServer = server.NewMetricsServer(cfg.StatusAPI.MetricsAddr, reg, logger)
	}

	opts := clientOptions(cfg)
	opts.Metrics = metrics
	opts.OnNetworkStatus = grpcServer.SetNetworkOnline
	client, err := telemetry.New(st, tr, opts)
	if err != nil {
		return fmt.Errorf("failed to create telemetry client: %w", err)
	}
	desktop := telemetry.NewDesktop(client, cfg.Telemetry.AppVersion)

	logger.Info("starting telemetryd",
		"version", Version,
		"client_id", client.ClientID(),
		"opt_in", client.DidOptIn().String(),
		"server_url", client.ServerURL(),
		"queue_length", client.QueueLength(),
		"ephemeral", ephemeral,
		"status_api", fmt.Sprintf("%s:%d", cfg.StatusAPI.Host, cfg.StatusAPI.Port))
	desktop.AppWasOpened()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		desktop.AppWillClose()
		client.Dispose()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := grpcServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = multierr.Append(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// agentStore selects the agent's store. An ephemeral store never touches the
// configured database.
func agentStore(cfg *config.Config, ephemeral bool) (telemetry.Store, func() error, error) {
	if ephemeral {
		return store.NewMemory(), func() error { return nil }, nil
	}
	database, st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, database.Close, nil
}
