package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
)

const (
	// stopTimeout is the grace period between SIGTERM and SIGKILL.
	stopTimeout = 10 * time.Second
	// stableRun resets the restart backoff once a child has stayed up this long.
	stableRun   = time.Minute
	maxBackoff  = 30 * time.Second
)

// ExecSpec describes a command whose output is collected as a log source.
type ExecSpec struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string
	Restart core.RestartPolicy
}

// execSource is the runtime state of one ExecSpec.
type execSource struct {
	spec ExecSpec
	id   string

	mu        sync.Mutex
	status    core.Status
	pid       int
	startedAt time.Time
	restarts  int
	cancel    context.CancelFunc // ends the supervise loop
	done      chan struct{}      // closed when the supervise loop returns
}

func (e *execSource) snapshot() core.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := core.Source{
		ID:       e.id,
		Kind:     core.KindExec,
		Name:     e.spec.Name,
		Status:   e.status,
		PID:      e.pid,
		Restarts: e.restarts,
		Target:   e.spec.Command,
	}
	if e.status == core.StatusRunning && !e.startedAt.IsZero() {
		src.UptimeSec = uint64(time.Since(e.startedAt).Seconds())
	}
	return src
}

func (e *execSource) setStatus(st core.Status) {
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

// Supervisor runs exec sources and forwards their output as log lines.
// Stdout lines are recorded at info, stderr lines at error.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan<- core.LogLine
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*execSource
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor sending lines to out. Cancelling ctx
// stops every child.
func NewSupervisor(ctx context.Context, out chan<- core.LogLine, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:     sctx,
		cancel:  cancel,
		out:     out,
		logger:  logger,
		sources: make(map[string]*execSource),
	}
}

// Add registers an exec source without starting it.
func (s *Supervisor) Add(spec ExecSpec) error {
	if len(strings.Fields(spec.Command)) == 0 {
		return fmt.Errorf("exec source %q: empty command", spec.Name)
	}
	if spec.Restart == "" {
		spec.Restart = core.RestartOnFailure
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[spec.Name]; ok {
		return fmt.Errorf("exec source %q already registered", spec.Name)
	}
	s.sources[spec.Name] = &execSource{
		spec:   spec,
		id:     core.SourceID(core.KindExec, spec.Name),
		status: core.StatusStopped,
	}
	return nil
}

// Start launches a registered source. Starting a source that is already
// supervised is a no-op.
func (s *Supervisor) Start(name string) error {
	src, err := s.lookup(name)
	if err != nil {
		return err
	}

	src.mu.Lock()
	if src.done != nil {
		src.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	src.cancel = cancel
	src.done = done
	src.mu.Unlock()

	run, err := s.spawn(ctx, src)
	if err != nil {
		cancel()
		src.mu.Lock()
		src.cancel, src.done = nil, nil
		src.mu.Unlock()
		close(done)
		return err
	}

	s.wg.Add(1)
	go s.supervise(ctx, src, run, done)
	return nil
}

// Stop terminates a source's process group and disables restarts. A child
// still alive after stopTimeout is killed.
func (s *Supervisor) Stop(name string) error {
	src, err := s.lookup(name)
	if err != nil {
		return err
	}

	src.mu.Lock()
	cancel, done := src.cancel, src.done
	src.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
	}

	src.mu.Lock()
	pid := src.pid
	src.mu.Unlock()
	if pid > 0 {
		s.logger.Warn("source ignored SIGTERM, killing", "source", name, "pid", pid)
		syscall.Kill(-pid, syscall.SIGKILL)
	}
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("exec source %q did not exit", name)
	}
}

// StartAll starts every registered source in name order.
func (s *Supervisor) StartAll() {
	for _, name := range s.names() {
		if err := s.Start(name); err != nil {
			s.logger.Error("start exec source", "source", name, "err", err)
		}
	}
}

// StopAll stops every source and waits for their output to drain.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, name := range s.names() {
		wg.Go(func() {
			if err := s.Stop(name); err != nil {
				s.logger.Error("stop exec source", "source", name, "err", err)
			}
		})
	}
	wg.Wait()
	s.cancel()
	s.wg.Wait()
}

// Status returns the current state of a source.
func (s *Supervisor) Status(name string) (core.Source, bool) {
	src, err := s.lookup(name)
	if err != nil {
		return core.Source{}, false
	}
	return src.snapshot(), true
}

// Sources reports every exec source sorted by name.
func (s *Supervisor) Sources() []core.Source {
	names := s.names()
	out := make([]core.Source, 0, len(names))
	for _, name := range names {
		if src, ok := s.Status(name); ok {
			out = append(out, src)
		}
	}
	return out
}

func (s *Supervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Supervisor) lookup(name string) (*execSource, error) {
	s.mu.RLock()
	src, ok := s.sources[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exec source: %s", name)
	}
	return src, nil
}

// child is one running incarnation of an exec source.
type child struct {
	cmd     *exec.Cmd
	streams sync.WaitGroup
	started time.Time
}

// wait drains the output pipes, then reaps the process.
func (c *child) wait() (int, error) {
	c.streams.Wait()
	err := c.cmd.Wait()
	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	return code, err
}

func (s *Supervisor) spawn(ctx context.Context, src *execSource) (*child, error) {
	argv := strings.Fields(src.spec.Command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = src.spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.Env = os.Environ()
	for k, v := range src.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		src.setStatus(core.StatusFailed)
		return nil, fmt.Errorf("start %q: %w", src.spec.Command, err)
	}

	c := &child{cmd: cmd, started: time.Now()}
	src.mu.Lock()
	src.pid = cmd.Process.Pid
	src.status = core.StatusRunning
	src.startedAt = c.started
	src.mu.Unlock()
	s.logger.Info("exec source started", "source", src.spec.Name, "pid", cmd.Process.Pid, "command", src.spec.Command)

	c.streams.Add(2)
	go func() {
		defer c.streams.Done()
		scanLines(stdout, func(line string) { s.emit(src.id, "stdout", core.LevelInfo, line) })
	}()
	go func() {
		defer c.streams.Done()
		scanLines(stderr, func(line string) { s.emit(src.id, "stderr", core.LevelError, line) })
	}()
	return c, nil
}

// supervise waits on the running child and restarts it according to the
// source's policy until ctx is cancelled.
func (s *Supervisor) supervise(ctx context.Context, src *execSource, c *child, done chan struct{}) {
	defer s.wg.Done()
	defer func() {
		src.mu.Lock()
		src.cancel, src.done = nil, nil
		src.mu.Unlock()
		close(done)
	}()

	attempt := 0
	for {
		code, err := c.wait()
		src.mu.Lock()
		src.pid = 0
		src.mu.Unlock()

		if ctx.Err() != nil {
			src.setStatus(core.StatusStopped)
			return
		}
		if code == 0 {
			src.setStatus(core.StatusStopped)
		} else {
			src.setStatus(core.StatusFailed)
		}
		s.logger.Info("exec source exited", "source", src.spec.Name, "exit_code", code, "err", err)

		if !shouldRestart(src.spec.Restart, code) {
			return
		}
		if time.Since(c.started) >= stableRun {
			attempt = 0
		}
		attempt++
		delay := backoff(attempt)
		s.logger.Info("restarting exec source", "source", src.spec.Name, "delay", delay, "attempt", attempt)
		src.setStatus(core.StatusRestarting)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			src.setStatus(core.StatusStopped)
			return
		}

		next, err := s.spawn(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				src.setStatus(core.StatusStopped)
				return
			}
			s.logger.Error("restart failed", "source", src.spec.Name, "err", err)
			return
		}
		src.mu.Lock()
		src.restarts++
		src.mu.Unlock()
		c = next
	}
}

func (s *Supervisor) emit(sourceID, stream string, level core.Level, line string) {
	l := core.LogLine{
		SourceID: sourceID,
		TsUnixMs: time.Now().UnixMilli(),
		Stream:   stream,
		Level:    level,
		Line:     line,
	}
	select {
	case s.out <- l:
	case <-s.ctx.Done():
	}
}

func shouldRestart(policy core.RestartPolicy, exitCode int) bool {
	switch policy {
	case core.RestartAlways:
		return true
	case core.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// backoff doubles from one second per attempt, capped at maxBackoff.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return maxBackoff
	}
	return min(time.Second<<(attempt-1), maxBackoff)
}
