package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/solatis/telemetryd/internal/types"
	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults matching DefaultConfig
	def := DefaultConfig()
	v.SetDefault("telemetry.store_name", def.Telemetry.StoreName)
	v.SetDefault("telemetry.data_dir", def.Telemetry.DataDir)
	v.SetDefault("telemetry.db_url", "")
	v.SetDefault("telemetry.client_id", "")
	v.SetDefault("telemetry.server_url", "")
	v.SetDefault("telemetry.environment", def.Telemetry.Environment)
	v.SetDefault("telemetry.opt_in", "")
	v.SetDefault("telemetry.delivery_interval", def.Telemetry.DeliveryInterval.String())
	v.SetDefault("telemetry.network_check_interval", def.Telemetry.NetworkCheckInterval.String())
	v.SetDefault("telemetry.queue_limit", def.Telemetry.QueueLimit)
	v.SetDefault("telemetry.delivery_attempt_limit", def.Telemetry.DeliveryAttemptLimit)
	v.SetDefault("telemetry.request_timeout", def.Telemetry.RequestTimeout.String())
	v.SetDefault("telemetry.distribution", "")
	v.SetDefault("telemetry.app_version", def.Telemetry.AppVersion)
	v.SetDefault("status_api.host", def.StatusAPI.Host)
	v.SetDefault("status_api.port", def.StatusAPI.Port)
	v.SetDefault("status_api.metrics_addr", "")

	// Bind environment variables with TELEMETRYD_ prefix
	v.SetEnvPrefix("TELEMETRYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: reject secrets in config files
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	optIn, err := types.ParseOptIn(v.GetString("telemetry.opt_in"))
	if err != nil {
		return nil, fmt.Errorf("telemetry.opt_in: %w", err)
	}

	cfg := &Config{
		Telemetry: TelemetryConfig{
			StoreName:            v.GetString("telemetry.store_name"),
			DataDir:              v.GetString("telemetry.data_dir"),
			DBURL:                v.GetString("telemetry.db_url"),
			ClientID:             v.GetString("telemetry.client_id"),
			ServerURL:            v.GetString("telemetry.server_url"),
			Environment:          v.GetString("telemetry.environment"),
			OptIn:                optIn,
			DeliveryInterval:     v.GetDuration("telemetry.delivery_interval"),
			NetworkCheckInterval: v.GetDuration("telemetry.network_check_interval"),
			QueueLimit:           v.GetInt("telemetry.queue_limit"),
			DeliveryAttemptLimit: v.GetInt("telemetry.delivery_attempt_limit"),
			RequestTimeout:       v.GetDuration("telemetry.request_timeout"),
			Distribution:         v.GetString("telemetry.distribution"),
			AppVersion:           v.GetString("telemetry.app_version"),
		},
		StatusAPI: StatusAPIConfig{
			Host:        v.GetString("status_api.host"),
			Port:        v.GetInt("status_api.port"),
			MetricsAddr: v.GetString("status_api.metrics_addr"),
		},
	}

	applyFallbacks(&cfg.Telemetry)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFallbacks replaces non-positive intervals and limits with defaults.
// A bad override degrades to the default schedule instead of refusing to start.
func applyFallbacks(t *TelemetryConfig) {
	if t.StoreName == "" {
		t.StoreName = DefaultStoreName
	}
	t.DeliveryInterval = positiveDuration(t.DeliveryInterval, DefaultDeliveryInterval)
	t.NetworkCheckInterval = positiveDuration(t.NetworkCheckInterval, DefaultNetworkCheckInterval)
	t.RequestTimeout = positiveDuration(t.RequestTimeout, DefaultRequestTimeout)
	if t.QueueLimit <= 0 {
		t.QueueLimit = types.DefaultQueueLimit
	}
	if t.DeliveryAttemptLimit <= 0 {
		t.DeliveryAttemptLimit = types.DefaultDeliveryAttemptLimit
	}
}

func positiveDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// validateConfig checks the status API port range and the client ID format.
func validateConfig(cfg *Config) error {
	if cfg.StatusAPI.Port <= 0 || cfg.StatusAPI.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.StatusAPI.Port)
	}
	if cfg.Telemetry.ClientID != "" {
		if _, err := types.ParseClientID(cfg.Telemetry.ClientID); err != nil {
			return fmt.Errorf("telemetry.client_id: %w", err)
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
// InConfig rather than IsSet: AutomaticEnv would otherwise match TELEMETRYD_SIGNING_SECRET itself.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("signing_secret") || v.InConfig("telemetry.signing_secret") {
		return fmt.Errorf("signing secrets not allowed in config files (use %s environment variable)", SigningSecretEnv)
	}
	return nil
}
