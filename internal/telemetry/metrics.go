package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on the dropped-packets counter.
const (
	dropAttemptLimit = "attempt_limit"
	dropQueueLimit   = "queue_limit"
	dropUnencodable  = "unencodable"
)

// Metrics exposes queue and delivery counters. A nil *Metrics records nothing.
type Metrics struct {
	queueLength      prometheus.Gauge
	networkOnline    prometheus.Gauge
	eventsEnqueued   prometheus.Counter
	packetsDelivered prometheus.Counter
	deliveryFailures prometheus.Counter
	packetsDropped   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryd",
			Name:      "queue_length",
			Help:      "Packets waiting for delivery.",
		}),
		networkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryd",
			Name:      "network_online",
			Help:      "1 if the last connectivity probe succeeded.",
		}),
		eventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Name:      "events_enqueued_total",
			Help:      "Events added to the queue.",
		}),
		packetsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Name:      "packets_delivered_total",
			Help:      "Packets accepted by the telemetry service.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Name:      "delivery_failures_total",
			Help:      "Delivery attempts that failed at transport or HTTP level.",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Name:      "packets_dropped_total",
			Help:      "Packets discarded without delivery.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		m.queueLength, m.networkOnline, m.eventsEnqueued,
		m.packetsDelivered, m.deliveryFailures, m.packetsDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) setNetworkOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.networkOnline.Set(1)
	} else {
		m.networkOnline.Set(0)
	}
}

func (m *Metrics) eventEnqueued() {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.packetsDelivered.Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) dropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Add(float64(n))
}
