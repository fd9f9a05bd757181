// Package metricsx wires github.com/VictoriaMetrics/metrics counters into
// the session loop and event pump (which count around their send-gate
// calls; the send gate itself keeps no counters), in the style of
// pkg/metricsx in the teacher pack's sibling atlas project (a private
// metrics.Set rather than the global default set, so a process embedding
// more than one Session doesn't collide on counter names).
package metricsx

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds every counter this daemon exposes. All are monotonic
// counters; there are no gauges because nothing here has a notion of
// "current value" worth sampling over a simple count.
type Metrics struct {
	set *metrics.Set

	MessagesSent     map[string]*metrics.Counter
	MessagesReceived map[string]*metrics.Counter
	Reconnects       *metrics.Counter
	AttachesRejected *metrics.Counter
	AttachesResolved *metrics.Counter
	TransportErrors  *metrics.Counter
}

var messageTypeNames = []string{
	"Init", "Error", "ReaderAdd", "ReaderAddResponse", "ReaderRemove",
	"ATR", "CardRemove", "APDU", "Reconnect",
}

// New creates a fresh, independent metric set.
func New() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:              set,
		MessagesSent:     make(map[string]*metrics.Counter, len(messageTypeNames)),
		MessagesReceived: make(map[string]*metrics.Counter, len(messageTypeNames)),
		Reconnects:       set.NewCounter(`vscclient_reconnects_total`),
		AttachesRejected: set.NewCounter(`vscclient_attaches_rejected_total`),
		AttachesResolved: set.NewCounter(`vscclient_attaches_resolved_total`),
		TransportErrors:  set.NewCounter(`vscclient_transport_errors_total`),
	}
	for _, name := range messageTypeNames {
		m.MessagesSent[name] = set.NewCounter(`vscclient_messages_sent_total{type="` + name + `"}`)
		m.MessagesReceived[name] = set.NewCounter(`vscclient_messages_received_total{type="` + name + `"}`)
	}
	return m
}

// WritePrometheus dumps all counters in this set in Prometheus text format,
// used by the console "debug" command to print current counts.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
