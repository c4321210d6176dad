package daemon

import (
	"testing"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/transport/uds"
)

func snapshot(entries int, sources ...core.Source) uds.StatsResponse {
	return uds.StatsResponse{
		Stats:   aggregator.Stats{Entries: entries, Budget: 100},
		Sources: sources,
	}
}

func TestStatsChanged_NoChange(t *testing.T) {
	src := core.Source{ID: "exec:api", Status: core.StatusRunning, PID: 10}
	if statsChanged(snapshot(1, src), snapshot(1, src)) {
		t.Error("expected no changes")
	}
}

func TestStatsChanged_Stats(t *testing.T) {
	if !statsChanged(snapshot(1), snapshot(2)) {
		t.Error("expected entry count change to be detected")
	}
}

func TestStatsChanged_SourceAdded(t *testing.T) {
	src := core.Source{ID: "exec:api"}
	if !statsChanged(snapshot(1), snapshot(1, src)) {
		t.Error("expected added source to be detected")
	}
}

func TestStatsChanged_SourceStatus(t *testing.T) {
	a := core.Source{ID: "exec:api", Status: core.StatusRunning}
	b := core.Source{ID: "exec:api", Status: core.StatusFailed}
	if !statsChanged(snapshot(1, a), snapshot(1, b)) {
		t.Error("expected status change to be detected")
	}
}

func TestStatsChanged_IgnoresUptime(t *testing.T) {
	a := core.Source{ID: "exec:api", Status: core.StatusRunning, UptimeSec: 1}
	b := core.Source{ID: "exec:api", Status: core.StatusRunning, UptimeSec: 2}
	if statsChanged(snapshot(1, a), snapshot(1, b)) {
		t.Error("uptime alone should not count as a change")
	}
}

func TestStatsChanged_Lines(t *testing.T) {
	a := core.Source{ID: "file:app", Lines: 1}
	b := core.Source{ID: "file:app", Lines: 2}
	if !statsChanged(snapshot(1, a), snapshot(1, b)) {
		t.Error("expected line count change to be detected")
	}
}
