package cheburnet

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "cheburnet"

// Metrics are the engine's counters. A nil Registerer leaves them
// unregistered, which is what component tests use.
type Metrics struct {
	Reconnects          prometheus.Counter
	ConnectionState     prometheus.Gauge
	PollTicks           *prometheus.CounterVec
	PollInterval        prometheus.Gauge
	Appended            *prometheus.CounterVec
	Sends               *prometheus.CounterVec
	ReadMarks           *prometheus.CounterVec
	LedgerWriteFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "reconnects_total",
			Help:      "Scheduled websocket reconnect attempts.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "state",
			Help:      "Push connection state: 0 closed, 1 connecting, 2 open.",
		}),
		PollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poll",
			Name:      "ticks_total",
			Help:      "Fallback poll ticks by result.",
		}, []string{"result"}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "poll",
			Name:      "interval_seconds",
			Help:      "Current fallback poll interval.",
		}),
		Appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "timeline",
			Name:      "appended_total",
			Help:      "Messages inserted into timelines by source.",
		}, []string{"source"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "send",
			Name:      "total",
			Help:      "Send attempts by result.",
		}, []string{"result"}),
		ReadMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "read",
			Name:      "requests_total",
			Help:      "Mark-read requests by result.",
		}, []string{"result"}),
		LedgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "write_failures_total",
			Help:      "Ledger writes that failed and stayed in memory only.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Reconnects, m.ConnectionState, m.PollTicks, m.PollInterval,
			m.Appended, m.Sends, m.ReadMarks, m.LedgerWriteFailures,
		)
	}
	return m
}
