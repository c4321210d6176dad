// Package metrics exposes aggregator and source state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
)

const namespace = "diaglog"

// StatsFunc returns the current aggregator stats.
type StatsFunc func() aggregator.Stats

// SourcesFunc returns the current source state.
type SourcesFunc func() []core.Source

// Collector reads stats at scrape time, so values are never stale.
type Collector struct {
	stats   StatsFunc
	sources SourcesFunc

	entries        *prometheus.Desc
	bytes          *prometheus.Desc
	budget         *prometheus.Desc
	exporting      *prometheus.Desc
	evictedEntries *prometheus.Desc
	evictedBytes   *prometheus.Desc
	exports        *prometheus.Desc
	exportFailures *prometheus.Desc
	formatFailures *prometheus.Desc
	appendFailures *prometheus.Desc
	mirrorDropped  *prometheus.Desc
	sourceUp       *prometheus.Desc
	sourceLines    *prometheus.Desc
	sourceRestarts *prometheus.Desc
}

// NewCollector creates a collector. sources may be nil.
func NewCollector(stats StatsFunc, sources SourcesFunc) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		stats:   stats,
		sources: sources,

		entries:        desc("entries", "Lines currently retained."),
		bytes:          desc("bytes", "Bytes currently retained."),
		budget:         desc("budget_bytes", "Configured byte ceiling."),
		exporting:      desc("exporting", "1 while an export is packaging."),
		evictedEntries: desc("evicted_entries_total", "Lines evicted to stay within budget."),
		evictedBytes:   desc("evicted_bytes_total", "Bytes evicted to stay within budget."),
		exports:        desc("exports_total", "Successful exports."),
		exportFailures: desc("export_failures_total", "Failed or abandoned exports."),
		formatFailures: desc("format_failures_total", "Values rendered with the fallback form."),
		appendFailures: desc("append_failures_total", "Records dropped after a recovered failure."),
		mirrorDropped:  desc("mirror_dropped_total", "Lines dropped by a full dev mirror queue."),
		sourceUp:       desc("source_up", "1 if the source is running.", "source", "kind"),
		sourceLines:    desc("source_lines_total", "Lines recorded from the source.", "source", "kind"),
		sourceRestarts: desc("source_restarts_total", "Times the source was restarted.", "source", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.entries, c.bytes, c.budget, c.exporting,
		c.evictedEntries, c.evictedBytes, c.exports, c.exportFailures,
		c.formatFailures, c.appendFailures, c.mirrorDropped,
		c.sourceUp, c.sourceLines, c.sourceRestarts,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.entries, float64(s.Entries))
	gauge(c.bytes, float64(s.Bytes))
	gauge(c.budget, float64(s.Budget))
	exporting := 0.0
	if s.Exporting {
		exporting = 1
	}
	gauge(c.exporting, exporting)
	counter(c.evictedEntries, float64(s.EvictedEntries))
	counter(c.evictedBytes, float64(s.EvictedBytes))
	counter(c.exports, float64(s.Exports))
	counter(c.exportFailures, float64(s.ExportFailures))
	counter(c.formatFailures, float64(s.FormatFailures))
	counter(c.appendFailures, float64(s.AppendFailures))
	counter(c.mirrorDropped, float64(s.MirrorDropped))

	if c.sources == nil {
		return
	}
	for _, src := range c.sources() {
		up := 0.0
		if src.Status == core.StatusRunning {
			up = 1
		}
		gauge(c.sourceUp, up, src.Name, string(src.Kind))
		counter(c.sourceLines, float64(src.Lines), src.Name, string(src.Kind))
		counter(c.sourceRestarts, float64(src.Restarts), src.Name, string(src.Kind))
	}
}

// NewRegistry returns a registry holding the collector plus the Go and
// process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}
