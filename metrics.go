package utcp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the optional Prometheus surface described in SPEC_FULL.md's
// DOMAIN STACK section. The zero value is a valid, fully inert no-op: an
// Engine built without WithMetricsRegisterer pays only the cost of the
// nil checks below.
type metrics struct {
	retransmits     prometheus.Counter
	duplicateAcks   prometheus.Counter
	fastRetransmits prometheus.Counter
	connections     *prometheus.GaugeVec
	cwnd            *prometheus.GaugeVec
	srtt            *prometheus.GaugeVec
	rto             *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return &metrics{}
	}

	m := &metrics{
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utcp_retransmits_total",
			Help: "Total number of segment retransmissions across all connections.",
		}),
		duplicateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utcp_duplicate_acks_total",
			Help: "Total number of duplicate ACKs observed across all connections.",
		}),
		fastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utcp_fast_retransmits_total",
			Help: "Total number of fast retransmits triggered across all connections.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "utcp_connections",
			Help: "Number of connections currently in each state.",
		}, []string{"state"}),
		cwnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "utcp_cwnd_bytes",
			Help: "Current congestion window, per connection.",
		}, []string{"conn"}),
		srtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "utcp_srtt_seconds",
			Help: "Current smoothed RTT, per connection.",
		}, []string{"conn"}),
		rto: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "utcp_rto_seconds",
			Help: "Current retransmission timeout, per connection.",
		}, []string{"conn"}),
	}

	reg.MustRegister(m.retransmits, m.duplicateAcks, m.fastRetransmits, m.connections, m.cwnd, m.srtt, m.rto)
	return m
}

func (m *metrics) incRetransmit() {
	if m == nil || m.retransmits == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *metrics) incDuplicateAck() {
	if m == nil || m.duplicateAcks == nil {
		return
	}
	m.duplicateAcks.Inc()
}

func (m *metrics) incFastRetransmit() {
	if m == nil || m.fastRetransmits == nil {
		return
	}
	m.fastRetransmits.Inc()
}

// observeState moves the per-state connection gauge from "from" to "to".
// Called with from==to on initial connection creation to just increment.
func (m *metrics) observeState(e *Engine, from, to State) {
	if m == nil || m.connections == nil {
		return
	}
	if from != to {
		m.connections.WithLabelValues(from.String()).Dec()
	}
	m.connections.WithLabelValues(to.String()).Inc()
}

func (m *metrics) observeConn(c *Conn) {
	if m == nil || m.cwnd == nil {
		return
	}
	label := c.String()
	m.cwnd.WithLabelValues(label).Set(float64(c.cc.Cwnd()))
	m.srtt.WithLabelValues(label).Set(c.rttEstimator.SRTT().Seconds())
	m.rto.WithLabelValues(label).Set(c.rttEstimator.RTO().Seconds())
}
