package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics covers session lifecycle, publishing and presence.
// A nil *BrokerMetrics is valid and records nothing.
type BrokerMetrics struct {
	SessionsOpen    prometheus.Gauge
	Channels        prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	Publishes       *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	FanoutDuration  prometheus.Histogram
	PresenceWrites  *prometheus.CounterVec
	SweepEvictions  prometheus.Counter
	ClusterErrors   *prometheus.CounterVec
	ReaperCollected prometheus.Counter
}

func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sessions_open",
			Help:      "Number of live sessions on this instance.",
		}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "channels",
			Help:      "Number of channels with at least one local subscriber.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason.",
		}, []string{"reason"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Total number of published messages, by message type.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Total number of per-session delivery attempts, by result.",
		}, []string{"result"}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "fanout_duration_seconds",
			Help:      "Time to hand one message to every local recipient.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
		}),
		PresenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "writes_total",
			Help:      "Total number of device status writes, by result.",
		}, []string{"result"}),
		SweepEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sweep_evictions_total",
			Help:      "Total number of sessions closed for inactivity.",
		}),
		ClusterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "errors_total",
			Help:      "Total number of failed cluster store or fan-out operations, by operation.",
		}, []string{"operation"}),
		ReaperCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "reaped_sessions_total",
			Help:      "Total number of orphaned cluster sessions removed by the leader.",
		}),
	}

	reg.MustRegister(
		m.SessionsOpen, m.Channels, m.SessionsOpened, m.SessionsClosed,
		m.Publishes, m.Deliveries, m.FanoutDuration, m.PresenceWrites,
		m.SweepEvictions, m.ClusterErrors, m.ReaperCollected,
	)
	return m
}
