package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/transport/uds"
)

// ErrArtifactTooLarge is returned by Export when the artifact cannot be
// carried over the socket. The buffer is left untouched.
var ErrArtifactTooLarge = errors.New("artifact too large for the socket, export with SIGUSR1 instead")

// Buffer is the subset of the aggregator the daemon serves over the socket.
type Buffer interface {
	Record(level core.Level, values ...any)
	Tail(n int) []aggregator.Entry
	Stats() aggregator.Stats
	Export(ctx context.Context) (*aggregator.Artifact, error)
	ExportWith(ctx context.Context, deliver func(*aggregator.Artifact) error) (*aggregator.Artifact, error)
	Commit(end uint64)
	Clear()
}

// SourceReporter exposes the runtime state of one or more log sources.
type SourceReporter interface {
	Sources() []core.Source
}

// Daemon is the diaglogd process: it serves the aggregator over the socket
// and tracks the sources feeding it.
type Daemon struct {
	server    *uds.Server
	buf       Buffer
	pump      *Pump
	reporters []SourceReporter
	version   string
	mu        sync.RWMutex
	logger    *slog.Logger

	// maxArtifact caps Export responses; see uds.MaxArtifactSize.
	maxArtifact int
}

// New creates a new daemon instance serving buf.
func New(socketPath string, buf Buffer, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		server: uds.NewServer(socketPath, logger),
		buf:    buf,
		pump:   NewPump(buf),
		logger: logger,

		maxArtifact: uds.MaxArtifactSize,
	}
	d.registerHandlers()
	return d
}

// SetVersion sets the version reported by Ping.
func (d *Daemon) SetVersion(v string) {
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
}

// AddSource registers a source whose state is reported by ListSources.
func (d *Daemon) AddSource(r SourceReporter) {
	d.mu.Lock()
	d.reporters = append(d.reporters, r)
	d.mu.Unlock()
}

// Pump returns the pump that records source lines into the buffer.
func (d *Daemon) Pump() *Pump {
	return d.pump
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// Sources returns every registered source sorted by ID, with line counts
// taken from the pump.
func (d *Daemon) Sources() []core.Source {
	d.mu.RLock()
	reporters := d.reporters
	d.mu.RUnlock()

	var out []core.Source
	for _, r := range reporters {
		for _, src := range r.Sources() {
			src.Lines = d.pump.Lines(src.ID)
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the current stats and source state.
func (d *Daemon) Snapshot() uds.StatsResponse {
	return uds.StatsResponse{
		Stats:   d.buf.Stats(),
		Sources: d.Sources(),
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodStats, d.handleStats)
	d.server.Handle(uds.MethodTail, d.handleTail)
	d.server.Handle(uds.MethodExport, d.handleExport)
	d.server.Handle(uds.MethodCommit, d.handleCommit)
	d.server.Handle(uds.MethodClear, d.handleClear)
	d.server.Handle(uds.MethodListSources, d.handleListSources)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uds.PingResponse{Pong: true, Version: d.version}, nil
}

func (d *Daemon) handleStats(_ context.Context, _ uds.Message) (any, error) {
	return d.Snapshot(), nil
}

func (d *Daemon) handleTail(_ context.Context, msg uds.Message) (any, error) {
	var req uds.TailRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return uds.TailResponse{Lines: d.buf.Tail(req.N)}, nil
}

func (d *Daemon) handleExport(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.ExportRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var (
		art *aggregator.Artifact
		err error
	)
	if req.Reset {
		art, err = d.buf.ExportWith(ctx, d.checkArtifactSize)
	} else if art, err = d.buf.Export(ctx); err == nil {
		err = d.checkArtifactSize(art)
	}
	if err != nil {
		d.logger.Warn("diagnostics not exported", "err", err)
		return nil, err
	}
	d.logger.Info("diagnostics exported", "name", art.Name, "entries", art.Entries, "bytes", len(art.Data), "reset", req.Reset)
	return uds.ExportResponse{Artifact: *art}, nil
}

func (d *Daemon) checkArtifactSize(art *aggregator.Artifact) error {
	if len(art.Data) > d.maxArtifact {
		return fmt.Errorf("%w (%d bytes, limit %d)", ErrArtifactTooLarge, len(art.Data), d.maxArtifact)
	}
	return nil
}

func (d *Daemon) handleCommit(_ context.Context, msg uds.Message) (any, error) {
	var req uds.CommitRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	d.buf.Commit(req.End)
	d.logger.Info("diagnostics committed", "end", req.End)
	return d.Snapshot(), nil
}

func (d *Daemon) handleClear(_ context.Context, _ uds.Message) (any, error) {
	d.buf.Clear()
	d.logger.Info("diagnostics cleared")
	return d.Snapshot(), nil
}

func (d *Daemon) handleListSources(_ context.Context, _ uds.Message) (any, error) {
	return uds.ListSourcesResponse{Sources: d.Sources()}, nil
}
