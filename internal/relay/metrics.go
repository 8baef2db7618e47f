package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives on a private registry so several servers can run in one
// process (tests do).
type metrics struct {
	reg       *prometheus.Registry
	signals   *prometheus.CounterVec
	delivered prometheus.Counter
	stored    prometheus.Counter
	deleted   prometheus.Counter
	pruned    *prometheus.CounterVec
	limited   prometheus.Counter
	streams   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "signals_enqueued_total",
			Help:      "Signals accepted into a mailbox, by type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "signals_delivered_total",
			Help:      "Signals handed to a recipient by poll or stream.",
		}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "messages_stored_total",
			Help:      "Offline messages parked for a recipient.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "messages_deleted_total",
			Help:      "Offline messages removed after a drain.",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "pruned_total",
			Help:      "Expired records removed by the cleanup loop, by kind.",
		}, []string{"kind"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Write requests rejected by the per-IP limiter.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerchat",
			Subsystem: "relay",
			Name:      "signal_streams",
			Help:      "Open WebSocket signal streams.",
		}),
	}
	m.reg.MustRegister(m.signals, m.delivered, m.stored, m.deleted, m.pruned, m.limited, m.streams)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
