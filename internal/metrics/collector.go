package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "instabridge"

// Label names for bridge metrics.
const (
	labelOrigin   = "origin"
	labelReason   = "reason"
	labelPlatform = "platform"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bridge Metrics
// -------------------------------------------------------------------------

// Collector holds all bridge Prometheus metrics.
//
// Metrics are designed for monitoring a long-running relay:
//   - Message counters track relayed and dropped traffic per direction.
//   - Surrogate gauges and counters track impersonating connections.
//   - ID map instruments flag synthesis volume and stuck translations.
//   - The scheduler gauge exposes queue backlog.
//
// Collector implements the metrics reporter contracts of the nexus, store,
// and scheduler packages, so one instance observes the whole daemon.
type Collector struct {
	// MessagesRelayed counts messages accepted for relay, labeled by the
	// platform they originated on.
	MessagesRelayed *prometheus.CounterVec

	// MessagesDropped counts messages discarded instead of relayed,
	// labeled by the drop reason (e.g., "ignored_sender").
	MessagesDropped *prometheus.CounterVec

	// SurrogatesActive tracks the currently connected impersonating
	// sessions per platform.
	SurrogatesActive *prometheus.GaugeVec

	// SurrogatesSpawned counts surrogate connections dialed per platform.
	SurrogatesSpawned *prometheus.CounterVec

	// SurrogatesClosed counts surrogate connections torn down per platform.
	SurrogatesClosed *prometheus.CounterVec

	// IDsSynthesized counts instant message ids fabricated for euphoria
	// messages that never relayed live.
	IDsSynthesized prometheus.Counter

	// PendingWatchers tracks translation watchers still waiting for a
	// counterpart id to land. A persistently high value means messages
	// whose acks never arrived.
	PendingWatchers prometheus.Gauge

	// SchedulerQueueDepth tracks the actions queued on the relay scheduler.
	SchedulerQueueDepth prometheus.Gauge
}

// NewCollector creates a Collector with all bridge metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "instabridge_" prefix to avoid
// collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MessagesRelayed,
		c.MessagesDropped,
		c.SurrogatesActive,
		c.SurrogatesSpawned,
		c.SurrogatesClosed,
		c.IDsSynthesized,
		c.PendingWatchers,
		c.SchedulerQueueDepth,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total chat messages accepted for relay to the opposite platform.",
		}, []string{labelOrigin}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total chat messages discarded instead of relayed.",
		}, []string{labelReason}),

		SurrogatesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "surrogates_active",
			Help:      "Number of currently connected impersonating sessions.",
		}, []string{labelPlatform}),

		SurrogatesSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surrogates_spawned_total",
			Help:      "Total impersonating connections dialed.",
		}, []string{labelPlatform}),

		SurrogatesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surrogates_closed_total",
			Help:      "Total impersonating connections torn down.",
		}, []string{labelPlatform}),

		IDsSynthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_synthesized_total",
			Help:      "Total instant message ids fabricated for unrelayed euphoria messages.",
		}),

		PendingWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "id_watchers_pending",
			Help:      "Translation watchers waiting for a counterpart id to land.",
		}),

		SchedulerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Actions queued on the relay scheduler.",
		}),
	}
}

// -------------------------------------------------------------------------
// Message Relay
// -------------------------------------------------------------------------

// IncRelayed increments the relayed messages counter for the origin
// platform. Called once per message accepted for relay.
func (c *Collector) IncRelayed(origin string) {
	c.MessagesRelayed.WithLabelValues(origin).Inc()
}

// IncDropped increments the dropped messages counter for the given reason.
// Called when a message is discarded before relaying.
func (c *Collector) IncDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Surrogate Lifecycle
// -------------------------------------------------------------------------

// SurrogateSpawned records one dialed impersonating connection on the given
// platform and bumps the active gauge.
func (c *Collector) SurrogateSpawned(platform string) {
	c.SurrogatesSpawned.WithLabelValues(platform).Inc()
	c.SurrogatesActive.WithLabelValues(platform).Inc()
}

// SurrogateClosed records one torn-down impersonating connection on the
// given platform and drops the active gauge.
func (c *Collector) SurrogateClosed(platform string) {
	c.SurrogatesClosed.WithLabelValues(platform).Inc()
	c.SurrogatesActive.WithLabelValues(platform).Dec()
}

// -------------------------------------------------------------------------
// ID Map
// -------------------------------------------------------------------------

// IncSynthesized increments the synthesized ids counter. Called when the
// store fabricates an instant id for a euphoria message.
func (c *Collector) IncSynthesized() {
	c.IDsSynthesized.Inc()
}

// SetPendingWatchers records the number of translation watchers still
// waiting.
func (c *Collector) SetPendingWatchers(n int) {
	c.PendingWatchers.Set(float64(n))
}

// -------------------------------------------------------------------------
// Scheduler
// -------------------------------------------------------------------------

// SetQueueDepth records the number of actions queued on the scheduler.
func (c *Collector) SetQueueDepth(n int) {
	c.SchedulerQueueDepth.Set(float64(n))
}
