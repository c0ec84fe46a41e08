package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/telemetryd/internal/core/auth"
	"github.com/solatis/telemetryd/internal/core/config"
	"github.com/solatis/telemetryd/internal/core/db"
	"github.com/solatis/telemetryd/internal/core/store"
	"github.com/solatis/telemetryd/internal/core/transport"
	"github.com/solatis/telemetryd/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "telemetryd",
	Short: "telemetryd opt-in usage telemetry agent",
	Long: `telemetryd records usage events from the desktop shell in a persistent queue
and delivers them to the telemetry service while the user is opted in.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "store URL (sqlite://path or postgres://...), overrides telemetry.db_url")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q: want json or text", format)
	}
}

// loadConfig reads configuration and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.Telemetry.DBURL = dbURL
	}
	return cfg, nil
}

// openStore opens and migrates the configured store.
// The caller closes the returned database.
func openStore(cfg *config.Config) (*sqlx.DB, *store.SQL, error) {
	database, err := db.Open(cfg.Telemetry.StoreURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.MigrateUp(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, store.NewSQL(queries), nil
}

// newTransport builds the HTTP transport, signing bodies when a secret is set.
func newTransport(cfg *config.Config) (*transport.HTTP, error) {
	keyID, secret, err := config.SigningSecret()
	if err != nil {
		return nil, err
	}
	var opts []transport.Option
	if signer := auth.NewSigner(keyID, secret); signer != nil {
		opts = append(opts, transport.WithSigner(signer))
	}
	return transport.NewHTTP(cfg.Telemetry.RequestTimeout, opts...), nil
}

// clientOptions maps configuration onto client options.
func clientOptions(cfg *config.Config) telemetry.Options {
	t := cfg.Telemetry
	return telemetry.Options{
		ClientID:             t.ClientID,
		ServerURL:            t.ResolvedServerURL(),
		OptIn:                t.OptIn,
		DeliveryInterval:     t.DeliveryInterval,
		NetworkCheckInterval: t.NetworkCheckInterval,
		QueueLimit:           t.QueueLimit,
		DeliveryAttemptLimit: t.DeliveryAttemptLimit,
		RequestTimeout:       t.RequestTimeout,
		Platform:             telemetry.Platform(t.Distribution),
		Logger:               logger,
	}
}

// withPausedClient runs fn against a client that starts no timers, then
// disposes it and closes the store.
func withPausedClient(fn func(cfg *config.Config, c *telemetry.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	opts := clientOptions(cfg)
	opts.Paused = true
	client, err := telemetry.New(st, tr, opts)
	if err != nil {
		return fmt.Errorf("failed to create telemetry client: %w", err)
	}
	defer client.Dispose()

	return fn(cfg, client)
}
