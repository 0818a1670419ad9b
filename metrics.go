package chatd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/go-chatd/internal/protocol"
)

// Metrics holds the server's Prometheus collectors. It implements the event
// loop's observer interface; the loop is single-threaded, so counter
// increments happen inline without contention.
type Metrics struct {
	connected     prometheus.Counter
	disconnected  prometheus.Counter
	messages      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter
	shortWrites   prometheus.Counter
	orphans       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_clients_connected_total",
			Help: "Connections accepted.",
		}),
		disconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_clients_disconnected_total",
			Help: "Connections torn down (EOF, I/O failure, or protocol violation).",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_messages_received_total",
			Help: "Complete frames dispatched to the handler, by message type.",
		}, []string{"type"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_responses_sent_total",
			Help: "Responses queued for send, by message type.",
		}, []string{"type"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bytes_received_total",
			Help: "Payload bytes delivered by recv completions.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bytes_sent_total",
			Help: "Payload bytes reported by send completions.",
		}),
		shortWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_short_writes_total",
			Help: "Send completions that left a tail to resubmit.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_orphan_completions_total",
			Help: "Successful completions for already-dropped clients.",
		}),
	}
	reg.MustRegister(
		m.connected, m.disconnected, m.messages, m.responses,
		m.bytesReceived, m.bytesSent, m.shortWrites, m.orphans,
	)
	return m
}

func (m *Metrics) ClientConnected()    { m.connected.Inc() }
func (m *Metrics) ClientDisconnected() { m.disconnected.Inc() }

func (m *Metrics) MessageReceived(t protocol.MsgType) {
	m.messages.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) ResponseSent(t protocol.MsgType) {
	m.responses.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) BytesReceived(n int) { m.bytesReceived.Add(float64(n)) }
func (m *Metrics) BytesSent(n int)     { m.bytesSent.Add(float64(n)) }
func (m *Metrics) ShortWrite()         { m.shortWrites.Inc() }
func (m *Metrics) OrphanCompletion()   { m.orphans.Inc() }
