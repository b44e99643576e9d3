package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketstream"

// Connection states reported by the connection_state gauge.
var connectionStates = []string{"disconnected", "connecting", "connected"}

// Metrics holds every collector used by the streamer.
type Metrics struct {
	ConnectionState     *prometheus.GaugeVec
	ReconnectsScheduled prometheus.Counter
	GiveUps             prometheus.Counter
	ConnectsTotal       *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	SendErrors          prometheus.Counter
	BatchSize           prometheus.Histogram
	QueueDepth          prometheus.Gauge
	InboundMessages     *prometheus.CounterVec
	ParseErrors         prometheus.Counter
	Coalesced           *prometheus.CounterVec
	HandlerErrors       *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	WriterRows          *prometheus.CounterVec
	WriterErrors        *prometheus.CounterVec
	WriterFlushSeconds  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current stream connection state (1 for the active state)",
		}, []string{"state"}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers scheduled after abnormal closes",
		}),
		GiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_give_ups_total",
			Help:      "Times reconnection was abandoned after max attempts",
		}),
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the transport",
		}, []string{"kind"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound frames that failed to write",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_batch_size",
			Help:      "Messages taken from the outbound queue per drain iteration",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 20, 50},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting in the outbound queue",
		}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound frames by message type",
		}, []string{"type"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_parse_errors_total",
			Help:      "Malformed inbound frames discarded",
		}),
		Coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_coalesced_total",
			Help:      "Inbound updates merged into a pending throttle window",
		}, []string{"type"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_handler_errors_total",
			Help:      "Fan-out handlers that returned an error or panicked",
		}, []string{"event"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered by severity",
		}, []string{"severity"}),
		WriterRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_rows_total",
			Help:      "Rows inserted by writer",
		}, []string{"writer"}),
		WriterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_errors_total",
			Help:      "Failed writer flushes",
		}, []string{"writer"}),
		WriterFlushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writer_flush_seconds",
			Help:      "Writer flush latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"writer"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ReconnectsScheduled,
			m.GiveUps,
			m.ConnectsTotal,
			m.FramesSent,
			m.SendErrors,
			m.BatchSize,
			m.QueueDepth,
			m.InboundMessages,
			m.ParseErrors,
			m.Coalesced,
			m.HandlerErrors,
			m.Notifications,
			m.WriterRows,
			m.WriterErrors,
			m.WriterFlushSeconds,
		)
	}

	return m
}

// Handler returns an HTTP handler exposing the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as the active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

func (m *Metrics) GaveUp() {
	if m == nil {
		return
	}
	m.GiveUps.Inc()
}

// Connected records a connection attempt result ("ok" or "error").
func (m *Metrics) Connected(result string) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(result).Inc()
}

// FrameSent records one outbound frame of kind "single", "batch" or "action".
func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) ObserveBatch(n int, queued int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
	m.QueueDepth.Set(float64(queued))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Inbound(msgType string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

func (m *Metrics) Coalesce(msgType string) {
	if m == nil {
		return
	}
	m.Coalesced.WithLabelValues(msgType).Inc()
}

func (m *Metrics) HandlerError(event string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) Notified(severity string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(severity).Inc()
}

// WriterFlushed records a successful flush of rows by writer.
func (m *Metrics) WriterFlushed(writer string, rows int, seconds float64) {
	if m == nil {
		return
	}
	m.WriterRows.WithLabelValues(writer).Add(float64(rows))
	m.WriterFlushSeconds.WithLabelValues(writer).Observe(seconds)
}

func (m *Metrics) WriterFailed(writer string) {
	if m == nil {
		return
	}
	m.WriterErrors.WithLabelValues(writer).Inc()
}
