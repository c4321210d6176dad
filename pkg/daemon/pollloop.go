package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/transport/uds"
)

// PollLoop samples aggregator stats and source state every interval and
// broadcasts stats.changed when something moved.
type PollLoop struct {
	daemon   *Daemon
	interval time.Duration
	logger   *slog.Logger
	last     *uds.StatsResponse
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollLoop{daemon: d, interval: interval, logger: logger}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick()
		}
	}
}

func (pl *PollLoop) tick() {
	snap := pl.daemon.Snapshot()
	if pl.last != nil && !statsChanged(*pl.last, snap) {
		return
	}
	pl.last = &snap

	evt, err := uds.NewEvent(uds.EventStatsChanged, snap)
	if err != nil {
		pl.logger.Error("encode stats event", "err", err)
		return
	}
	pl.daemon.Server().Broadcast(evt)
}

func statsChanged(old, new uds.StatsResponse) bool {
	if old.Stats != new.Stats {
		return true
	}
	if len(old.Sources) != len(new.Sources) {
		return true
	}
	for i := range new.Sources {
		if sourceChanged(old.Sources[i], new.Sources[i]) {
			return true
		}
	}
	return false
}

// sourceChanged ignores uptime, which moves on every tick.
func sourceChanged(a, b core.Source) bool {
	return a.ID != b.ID ||
		a.Status != b.Status ||
		a.PID != b.PID ||
		a.Lines != b.Lines ||
		a.Restarts != b.Restarts
}
