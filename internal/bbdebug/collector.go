package bbdebug

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type counterDesc struct {
	desc *prometheus.Desc
	val  *atomic.Uint64
}

// Collector exports the package counters as Prometheus metrics.
type Collector struct {
	counters []counterDesc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for WriterCounters and RecoverCounters.
func NewCollector() *Collector {
	counter := func(name, help string, val *atomic.Uint64) counterDesc {
		return counterDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName("blackbox", "", name), help, nil, nil),
			val:  val,
		}
	}
	return &Collector{
		counters: []counterDesc{
			counter("traces_submitted_total", "Trace submissions processed by trace writers.", &WriterCounters.Submitted),
			counter("traces_started_total", "Traces whose start marker was found.", &WriterCounters.Started),
			counter("traces_completed_total", "Traces completed by an end marker.", &WriterCounters.Completed),
			counter("traces_aborted_total", "Traces aborted for any reason.", &WriterCounters.Aborted),
			counter("trace_missed_events_total", "Slots overwritten before a trace writer could read them.", &WriterCounters.Missed),
			counter("trace_entries_total", "Entries written to trace files.", &WriterCounters.Entries),
			counter("recoveries_total", "Persisted buffers recovery was attempted on.", &RecoverCounters.Attempted),
			counter("recoveries_unreadable_total", "Persisted buffers rejected as unreadable.", &RecoverCounters.Unreadable),
			counter("recovered_packets_total", "Packets copied out of persisted buffers.", &RecoverCounters.Packets),
			counter("recovery_missed_packets_total", "Packets skipped during recovery because they were torn or overwritten.", &RecoverCounters.Missed),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.val.Load()))
	}
}
