// Package journald follows a systemd unit's journal through journalctl.
package journald

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
)

const defaultRetry = 5 * time.Second

// Options configures a Reader.
type Options struct {
	Name  string
	Unit  string
	Level core.Level
	// Command overrides the journalctl invocation.
	Command []string
	// Retry is the delay before restarting journalctl after it exits.
	Retry  time.Duration
	Logger *slog.Logger
}

// Reader streams new journal lines for one unit.
type Reader struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	status   core.Status
	pid      int
	restarts int
}

// New creates a journal reader. Call Run to start following.
func New(opts Options) *Reader {
	if len(opts.Command) == 0 {
		opts.Command = []string{"journalctl", "-f", "-u", opts.Unit, "-o", "cat", "-n", "0"}
	}
	if opts.Retry <= 0 {
		opts.Retry = defaultRetry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		id:     core.SourceID(core.KindJournal, opts.Name),
		opts:   opts,
		logger: opts.Logger,
		status: core.StatusStopped,
	}
}

// Sources reports the reader as a single journal source.
func (r *Reader) Sources() []core.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []core.Source{{
		ID:       r.id,
		Kind:     core.KindJournal,
		Name:     r.opts.Name,
		Status:   r.status,
		PID:      r.pid,
		Restarts: r.restarts,
		Target:   r.opts.Unit,
	}}
}

// Run follows the journal and sends lines to out until ctx is cancelled,
// restarting journalctl whenever it exits.
func (r *Reader) Run(ctx context.Context, out chan<- core.LogLine) error {
	for {
		err := r.follow(ctx, out)
		if ctx.Err() != nil {
			r.set(core.StatusStopped, 0)
			return nil
		}
		r.logger.Warn("journalctl exited", "unit", r.opts.Unit, "err", err, "retry", r.opts.Retry)
		r.set(core.StatusRestarting, 0)

		select {
		case <-time.After(r.opts.Retry):
			r.mu.Lock()
			r.restarts++
			r.mu.Unlock()
		case <-ctx.Done():
			r.set(core.StatusStopped, 0)
			return nil
		}
	}
}

func (r *Reader) set(status core.Status, pid int) {
	r.mu.Lock()
	r.status = status
	r.pid = pid
	r.mu.Unlock()
}

func (r *Reader) follow(ctx context.Context, out chan<- core.LogLine) error {
	cmd := exec.CommandContext(ctx, r.opts.Command[0], r.opts.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.set(core.StatusFailed, 0)
		return fmt.Errorf("journalctl pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		r.set(core.StatusFailed, 0)
		return fmt.Errorf("journalctl start: %w", err)
	}
	r.set(core.StatusRunning, cmd.Process.Pid)
	r.logger.Info("following journal", "unit", r.opts.Unit, "pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l := core.LogLine{
			SourceID: r.id,
			TsUnixMs: time.Now().UnixMilli(),
			Stream:   "journal",
			Level:    r.opts.Level,
			Line:     scanner.Text(),
		}
		select {
		case out <- l:
		case <-ctx.Done():
		}
	}
	return cmd.Wait()
}
