package telemetry

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/solatis/telemetryd/internal/types"
)

// Defaults applied when an Options field is zero or negative.
const (
	DefaultDeliveryInterval     = 60 * time.Second
	DefaultNetworkCheckInterval = 300 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
)

// Options configures a Client. Every field is optional.
type Options struct {
	// ClientID overrides the persisted identity. Empty loads or creates one.
	ClientID string

	// ServerURL is the single telemetry endpoint. Required in practice;
	// config.TelemetryConfig.ResolvedServerURL supplies the environment default.
	ServerURL string

	// OptIn is written to the store when not OptInUndecided.
	// Undecided leaves the persisted decision untouched.
	OptIn types.OptIn

	DeliveryInterval     time.Duration
	NetworkCheckInterval time.Duration
	QueueLimit           int
	DeliveryAttemptLimit int

	// RequestTimeout bounds each POST and probe so a hung request cannot
	// hold the delivery chain forever.
	RequestTimeout time.Duration

	// Platform overrides the platform field of every packet.
	Platform string

	// Clock drives both timers and request deadlines. Defaults to the wall clock.
	Clock clock.Clock

	Logger  *slog.Logger
	Metrics *Metrics

	// OnNetworkStatus is called after every connectivity probe.
	OnNetworkStatus func(online bool)

	// Paused starts no timers. The caller drives UpdateNetworkStatus and
	// AttemptDelivery, as one-shot CLI commands do.
	Paused bool
}

// withDefaults returns a copy with non-positive values replaced.
func (o Options) withDefaults() Options {
	if o.DeliveryInterval <= 0 {
		o.DeliveryInterval = DefaultDeliveryInterval
	}
	if o.NetworkCheckInterval <= 0 {
		o.NetworkCheckInterval = DefaultNetworkCheckInterval
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = types.DefaultQueueLimit
	}
	if o.DeliveryAttemptLimit <= 0 {
		o.DeliveryAttemptLimit = types.DefaultDeliveryAttemptLimit
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Platform == "" {
		o.Platform = Platform("")
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
