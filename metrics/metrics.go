// Package metrics adapts the teacher's libs/metric.MetricSet/MetricItem
// abstraction to the finality gadget, backed by go-metrics counters exactly
// as the tendermint libraries this module pulls in transitively already
// do.
package metrics

import (
	"strconv"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics is the finality gadget's MetricItem: a JSON-renderable bundle of
// counters covering the engine's broadcast/drop/dedup/round lifecycle,
// continuing libs/metric's "one label, one item" convention.
type Metrics struct {
	RoundsStarted    gometrics.Counter
	RoundsCompleted  gometrics.Counter
	RoundsFailed     gometrics.Counter
	PrevotesSent     gometrics.Counter
	PrecommitsSent   gometrics.Counter
	MessagesDropped  gometrics.Counter
	MessagesExpired  gometrics.Counter
	MessagesDeduped  gometrics.Counter
	ProofsGained     gometrics.Counter
	ProofsRejected   gometrics.Counter
	LibBlockNum      gometrics.Gauge
}

// NewMetrics registers a fresh set of counters/gauges under r, or a
// freestanding registry when r is nil (as tests want).
func NewMetrics(r gometrics.Registry) *Metrics {
	if r == nil {
		r = gometrics.NewRegistry()
	}
	return &Metrics{
		RoundsStarted:   gometrics.GetOrRegisterCounter("randpa.rounds_started", r),
		RoundsCompleted: gometrics.GetOrRegisterCounter("randpa.rounds_completed", r),
		RoundsFailed:    gometrics.GetOrRegisterCounter("randpa.rounds_failed", r),
		PrevotesSent:    gometrics.GetOrRegisterCounter("randpa.prevotes_sent", r),
		PrecommitsSent:  gometrics.GetOrRegisterCounter("randpa.precommits_sent", r),
		MessagesDropped: gometrics.GetOrRegisterCounter("randpa.messages_dropped", r),
		MessagesExpired: gometrics.GetOrRegisterCounter("randpa.messages_expired", r),
		MessagesDeduped: gometrics.GetOrRegisterCounter("randpa.messages_deduped", r),
		ProofsGained:    gometrics.GetOrRegisterCounter("randpa.proofs_gained", r),
		ProofsRejected:  gometrics.GetOrRegisterCounter("randpa.proofs_rejected", r),
		LibBlockNum:     gometrics.GetOrRegisterGauge("randpa.lib_block_num", r),
	}
}

// JSONString satisfies libs/metric.MetricItem so the finality gadget's
// counters can be registered into the node-wide MetricSet alongside the
// chain's own consensus/mempool metrics.
func (m *Metrics) JSONString() string {
	i := strconv.FormatInt
	return `{"rounds_started":` + i(m.RoundsStarted.Count(), 10) +
		`,"rounds_completed":` + i(m.RoundsCompleted.Count(), 10) +
		`,"rounds_failed":` + i(m.RoundsFailed.Count(), 10) +
		`,"proofs_gained":` + i(m.ProofsGained.Count(), 10) +
		`,"lib_block_num":` + i(m.LibBlockNum.Value(), 10) + `}`
}
