// Package config provides configuration management for telemetryd.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/solatis/telemetryd/internal/types"
)

// Telemetry service endpoints. The environment selects one when no server URL is configured.
const (
	StagingServerURL    = "http://scratch-telemetry-staging.us-east-1.elasticbeanstalk.com/"
	ProductionServerURL = "https://telemetry.scratch.mit.edu/"
)

// Defaults for the delivery schedule and limits.
const (
	DefaultStoreName            = "telemetry"
	DefaultDeliveryInterval     = 60 * time.Second
	DefaultNetworkCheckInterval = 300 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
)

// SigningSecretEnv names the environment variable carrying the optional body-signing secret.
const SigningSecretEnv = "TELEMETRYD_SIGNING_SECRET"

// TelemetryConfig holds configuration for the telemetry client and its store.
type TelemetryConfig struct {
	StoreName            string
	DataDir              string
	DBURL                string
	ClientID             string
	ServerURL            string
	Environment          string
	OptIn                types.OptIn
	DeliveryInterval     time.Duration
	NetworkCheckInterval time.Duration
	QueueLimit           int
	DeliveryAttemptLimit int
	RequestTimeout       time.Duration
	Distribution         string
	AppVersion           string
}

// StatusAPIConfig holds configuration for the local health and metrics endpoints.
type StatusAPIConfig struct {
	Host        string
	Port        int
	MetricsAddr string
}

// Config is the complete agent configuration.
type Config struct {
	Telemetry TelemetryConfig
	StatusAPI StatusAPIConfig
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			StoreName:            DefaultStoreName,
			DataDir:              "./data",
			Environment:          "development",
			OptIn:                types.OptInUndecided,
			DeliveryInterval:     DefaultDeliveryInterval,
			NetworkCheckInterval: DefaultNetworkCheckInterval,
			QueueLimit:           types.DefaultQueueLimit,
			DeliveryAttemptLimit: types.DefaultDeliveryAttemptLimit,
			RequestTimeout:       DefaultRequestTimeout,
			AppVersion:           "0.0.0",
		},
		StatusAPI: StatusAPIConfig{
			Host: "127.0.0.1",
			Port: 50061,
		},
	}
}

// DefaultServerURL picks the production endpoint only for production builds.
func DefaultServerURL(environment string) string {
	if strings.EqualFold(environment, "production") {
		return ProductionServerURL
	}
	return StagingServerURL
}

// ResolvedServerURL returns the configured server URL or the environment default.
func (c *TelemetryConfig) ResolvedServerURL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return DefaultServerURL(c.Environment)
}

// StoreURL returns the database URL for the persistent store.
// Without an explicit db_url the store is a sqlite file named after the store in DataDir.
func (c *TelemetryConfig) StoreURL() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return "sqlite://" + filepath.ToSlash(filepath.Join(c.DataDir, c.StoreName+".db"))
}

// SigningSecret reads the optional body-signing secret from the environment.
// Returns empty values when the variable is unset.
func SigningSecret() (keyID string, secret []byte, err error) {
	val := os.Getenv(SigningSecretEnv)
	if val == "" {
		return "", nil, nil
	}
	keyID, secret, err = ParseSigningSecret(val)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", SigningSecretEnv, err)
	}
	return keyID, secret, nil
}

// ParseSigningSecret parses key_id:base64_secret format.
// Key ID must be 32 hex chars (UUID without hyphens).
func ParseSigningSecret(envValue string) (keyID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <key_id>:<base64_secret>")
	}

	keyID = parts[0]
	if len(keyID) != 32 {
		return "", nil, fmt.Errorf("key_id must be 32 hex chars (UUID without hyphens)")
	}

	for _, c := range keyID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("key_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return keyID, secret, nil
}
