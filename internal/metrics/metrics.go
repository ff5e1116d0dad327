package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	ActiveTransfers  prometheus.Gauge

	ChunksSent     prometheus.Counter
	BytesSent      prometheus.Counter
	TransfersTotal *prometheus.CounterVec

	RegenerationsTotal *prometheus.CounterVec
	CurrentEpoch       prometheus.Gauge

	ProtocolFaults  *prometheus.CounterVec
	PositionUpdates prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Fully connected clients (both channels identified).",
		}),
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "transfer",
			Name:      "active",
			Help:      "Bulk transfers currently in flight.",
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "transfer",
			Name:      "chunks_sent_total",
			Help:      "Total chunk messages sent on the bulk channel.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "transfer",
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent on the bulk channel.",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "transfer",
			Name:      "total",
			Help:      "Completed bulk transfers by status.",
		}, []string{"status"}),
		RegenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "regen",
			Name:      "total",
			Help:      "Regeneration attempts by outcome.",
		}, []string{"outcome"}),
		CurrentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "regen",
			Name:      "epoch",
			Help:      "Current regeneration epoch id.",
		}),
		ProtocolFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "protocol",
			Name:      "faults_total",
			Help:      "Protocol faults by code.",
		}, []string{"code"}),
		PositionUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "position",
			Name:      "updates_total",
			Help:      "Position updates applied.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ConnectedClients,
		m.ActiveTransfers,
		m.ChunksSent,
		m.BytesSent,
		m.TransfersTotal,
		m.RegenerationsTotal,
		m.CurrentEpoch,
		m.ProtocolFaults,
		m.PositionUpdates,
	)
	return m
}

// Handler exposes the collectors in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
