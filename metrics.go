package transf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's instrumentation. All methods are safe on a nil
// receiver so the engine can run without a registry.
type Metrics struct {
	SessionsActive prometheus.Gauge
	FramesTotal    *prometheus.CounterVec
	BytesWritten   prometheus.Counter
	FilesReceived  prometheus.Counter
	SessionsReaped prometheus.Counter
	RejectsTotal   prometheus.Counter
}

// NewMetrics builds the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transf",
			Name:      "sessions_active",
			Help:      "Transfers currently tracked in the session table.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transf",
			Name:      "frames_total",
			Help:      "Inbound frames by opcode.",
		}, []string{"opcode"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transf",
			Name:      "bytes_written_total",
			Help:      "File bytes persisted to the save root.",
		}),
		FilesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transf",
			Name:      "files_received_total",
			Help:      "Completed transfers.",
		}),
		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transf",
			Name:      "sessions_reaped_total",
			Help:      "Sessions removed by the reaper after expiry.",
		}),
		RejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transf",
			Name:      "rejects_total",
			Help:      "REJECT frames sent.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.FramesTotal,
		m.BytesWritten,
		m.FilesReceived,
		m.SessionsReaped,
		m.RejectsTotal,
	)
	return m
}

func (m *Metrics) frameIn(opcode string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(opcode).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) wrote(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

func (m *Metrics) fileDone() {
	if m == nil {
		return
	}
	m.FilesReceived.Inc()
}

func (m *Metrics) reaped() {
	if m == nil {
		return
	}
	m.SessionsReaped.Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.RejectsTotal.Inc()
}
