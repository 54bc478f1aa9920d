// Package metrics exposes dispatcher activity as Prometheus metrics. It
// follows the const-metric collector idiom rather than registered
// counters: the collector snapshots the dispatcher on every scrape, so the
// engine itself carries no metrics dependency.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-source-firmware/go-schc/pkg/schc/session"
)

// StatsSource is the slice of the dispatcher the collector needs.
type StatsSource interface {
	Stats() session.Stats
}

var (
	descSessionsActive = prometheus.NewDesc(
		"schc_sessions_active",
		"Number of fragmentation/reassembly sessions currently in flight",
		nil, nil,
	)
	descSessionsStarted = prometheus.NewDesc(
		"schc_sessions_started_total",
		"Sessions created since start, senders and receivers alike",
		nil, nil,
	)
	descPacketsReassembled = prometheus.NewDesc(
		"schc_packets_reassembled_total",
		"Packets whose integrity check passed and that were delivered",
		nil, nil,
	)
	descBytesReassembled = prometheus.NewDesc(
		"schc_bytes_reassembled_total",
		"Payload bytes delivered by successful reassemblies",
		nil, nil,
	)
	descAborts = prometheus.NewDesc(
		"schc_aborts_total",
		"Sessions that ended in an abort, sent or received",
		nil, nil,
	)
	descSessionInfo = prometheus.NewDesc(
		"schc_session_info",
		"Info metric describing each live session",
		[]string{"rule", "dtag", "role", "state"}, nil,
	)
	descSessionAttempts = prometheus.NewDesc(
		"schc_session_ack_attempts",
		"ACK-REQs spent (sender) or ACKs emitted (receiver) by a live session",
		[]string{"rule", "dtag", "role"}, nil,
	)
	descSessionRetransmissions = prometheus.NewDesc(
		"schc_session_retransmissions",
		"Tiles re-emitted by a live sender session",
		[]string{"rule", "dtag", "role"}, nil,
	)
)

// Collector implements prometheus.Collector over a dispatcher snapshot.
type Collector struct {
	src StatsSource
}

// NewCollector wraps a stats source, typically a *session.Dispatcher.
func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSessionsActive
	ch <- descSessionsStarted
	ch <- descPacketsReassembled
	ch <- descBytesReassembled
	ch <- descAborts
	ch <- descSessionInfo
	ch <- descSessionAttempts
	ch <- descSessionRetransmissions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(descSessionsActive, prometheus.GaugeValue, float64(st.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(descSessionsStarted, prometheus.CounterValue, float64(st.SessionsStarted))
	ch <- prometheus.MustNewConstMetric(descPacketsReassembled, prometheus.CounterValue, float64(st.PacketsReassembled))
	ch <- prometheus.MustNewConstMetric(descBytesReassembled, prometheus.CounterValue, float64(st.BytesReassembled))
	ch <- prometheus.MustNewConstMetric(descAborts, prometheus.CounterValue, float64(st.AbortsObserved))

	for _, s := range st.Sessions {
		rule := strconv.Itoa(s.RuleID)
		dtag := strconv.Itoa(s.DTag)
		ch <- prometheus.MustNewConstMetric(descSessionInfo, prometheus.GaugeValue, 1,
			rule, dtag, s.Role, s.State)
		ch <- prometheus.MustNewConstMetric(descSessionAttempts, prometheus.GaugeValue, float64(s.Attempts),
			rule, dtag, s.Role)
		ch <- prometheus.MustNewConstMetric(descSessionRetransmissions, prometheus.GaugeValue, float64(s.Retransmissions),
			rule, dtag, s.Role)
	}
}
