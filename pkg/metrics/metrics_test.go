package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
)

func TestCollectorStats(t *testing.T) {
	stats := aggregator.Stats{
		Entries:        3,
		Bytes:          120,
		Budget:         4096,
		EvictedEntries: 2,
		EvictedBytes:   80,
		Exports:        1,
		ExportFailures: 1,
		FormatFailures: 4,
	}
	c := NewCollector(func() aggregator.Stats { return stats }, nil)

	expected := `
# HELP diaglog_entries Lines currently retained.
# TYPE diaglog_entries gauge
diaglog_entries 3
# HELP diaglog_bytes Bytes currently retained.
# TYPE diaglog_bytes gauge
diaglog_bytes 120
# HELP diaglog_budget_bytes Configured byte ceiling.
# TYPE diaglog_budget_bytes gauge
diaglog_budget_bytes 4096
# HELP diaglog_evicted_entries_total Lines evicted to stay within budget.
# TYPE diaglog_evicted_entries_total counter
diaglog_evicted_entries_total 2
# HELP diaglog_export_failures_total Failed or abandoned exports.
# TYPE diaglog_export_failures_total counter
diaglog_export_failures_total 1
# HELP diaglog_format_failures_total Values rendered with the fallback form.
# TYPE diaglog_format_failures_total counter
diaglog_format_failures_total 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"diaglog_entries", "diaglog_bytes", "diaglog_budget_bytes",
		"diaglog_evicted_entries_total", "diaglog_export_failures_total",
		"diaglog_format_failures_total")
	if err != nil {
		t.Error(err)
	}
}

func TestCollectorSources(t *testing.T) {
	c := NewCollector(
		func() aggregator.Stats { return aggregator.Stats{} },
		func() []core.Source {
			return []core.Source{
				{Name: "api", Kind: core.KindExec, Status: core.StatusRunning, Lines: 10, Restarts: 2},
				{Name: "app", Kind: core.KindFile, Status: core.StatusFailed, Lines: 3},
			}
		},
	)

	expected := `
# HELP diaglog_source_up 1 if the source is running.
# TYPE diaglog_source_up gauge
diaglog_source_up{kind="exec",source="api"} 1
diaglog_source_up{kind="file",source="app"} 0
# HELP diaglog_source_lines_total Lines recorded from the source.
# TYPE diaglog_source_lines_total counter
diaglog_source_lines_total{kind="exec",source="api"} 10
diaglog_source_lines_total{kind="file",source="app"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"diaglog_source_up", "diaglog_source_lines_total"); err != nil {
		t.Error(err)
	}
}

func TestCollectorLiveAggregator(t *testing.T) {
	agg := aggregator.New(aggregator.Options{Budget: 1 << 10})
	t.Cleanup(func() { agg.Close() })
	c := NewCollector(agg.Stats, nil)

	agg.Info("hello")
	agg.Info("world")

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	if n := testutil.CollectAndCount(c, "diaglog_entries"); n != 1 {
		t.Fatalf("expected one diaglog_entries sample, got %d", n)
	}
	expected := `
# HELP diaglog_entries Lines currently retained.
# TYPE diaglog_entries gauge
diaglog_entries 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "diaglog_entries"); err != nil {
		t.Error(err)
	}
}

func TestNewRegistryLints(t *testing.T) {
	c := NewCollector(func() aggregator.Stats { return aggregator.Stats{} }, nil)
	reg := NewRegistry(c)
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}
