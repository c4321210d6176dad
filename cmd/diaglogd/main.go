package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/modoterra/diaglog/internal/buildinfo"
	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/config"
	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/daemon"
	"github.com/modoterra/diaglog/pkg/metrics"
	"github.com/modoterra/diaglog/pkg/mirror/journal"
	"github.com/modoterra/diaglog/pkg/sources/filetail"
	"github.com/modoterra/diaglog/pkg/sources/journald"
)

type options struct {
	configPath    string
	socket        string
	budget        string
	dev           bool
	metricsListen string
	logLevel      string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("diaglogd %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "diaglogd:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := pflag.NewFlagSet("diaglogd", pflag.ContinueOnError)
	flags.StringVarP(&o.configPath, "config", "c", "diaglog.yaml", "config file")
	flags.StringVar(&o.socket, "socket", "", "socket path (overrides config)")
	flags.StringVar(&o.budget, "budget", "", "buffer budget, e.g. 4MiB (overrides config)")
	flags.BoolVar(&o.dev, "dev", false, "mirror every recorded line")
	flags.StringVar(&o.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	flags.StringVar(&o.logLevel, "log-level", "info", "daemon log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// loadConfig reads the config file, falling back to defaults when the file
// is missing, then applies env and flag overrides and validates.
func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		return nil, err
	}

	cfg.ApplyEnv()
	if o.socket != "" {
		cfg.Socket = o.socket
	}
	if o.budget != "" {
		n, err := humanize.ParseBytes(o.budget)
		if err != nil {
			return nil, fmt.Errorf("--budget: %w", err)
		}
		cfg.Budget = config.ByteSize(n)
	}
	if o.dev {
		cfg.DevMode = true
	}
	if o.metricsListen != "" {
		cfg.Metrics.Listen = o.metricsListen
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func run(o options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	// stderrLogger never writes into the aggregator, so it is safe as the
	// aggregator's own diagnostics channel and dev mirror.
	stderrLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	enc, err := aggregator.ParseEncoding(cfg.Export.Encoding)
	if err != nil {
		return err
	}

	agg := aggregator.New(aggregator.Options{
		Budget:      int64(cfg.Budget),
		Encoding:    enc,
		Name:        cfg.Export.Name,
		DevMode:     cfg.DevMode,
		Mirror:      buildMirror(cfg.Mirror, stderrLogger),
		Diagnostics: stderrLogger,
	})
	defer agg.Close()

	logger := slog.New(aggregator.NewTeeHandler(
		stderrLogger.Handler(),
		aggregator.NewHandler(agg, &slog.HandlerOptions{Level: level}),
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := daemon.New(cfg.Socket, agg, logger)
	d.SetVersion(buildinfo.Version)
	defer d.Shutdown()

	lines := make(chan core.LogLine, 1024)
	go d.Pump().Run(ctx, lines)

	supervisor := daemon.NewSupervisor(ctx, lines, logger)
	d.AddSource(supervisor)
	startSources(ctx, cfg, d, supervisor, lines, logger)
	supervisor.StartAll()
	defer supervisor.StopAll()

	if cfg.Metrics.Listen != "" {
		collector := metrics.NewCollector(agg.Stats, d.Sources)
		go serveMetrics(ctx, cfg.Metrics.Listen, collector, logger)
	}

	pollLoop := daemon.NewPollLoop(d, time.Second, logger)
	go pollLoop.Run(ctx)

	go handleSignals(ctx, cancel, agg, cfg.Export.Dir, logger)
	go notifySystemd(ctx, d, logger)

	logger.Info("starting diaglogd",
		"version", buildinfo.Version,
		"budget", humanize.IBytes(uint64(cfg.Budget)),
		"encoding", enc.Name(),
		"dev_mode", cfg.DevMode,
		"sources", len(cfg.Sources),
	)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		logger.Debug("sd_notify stopping", "err", err)
	}
	logger.Info("diaglogd stopped")
	return nil
}

func buildMirror(kind string, stderrLogger *slog.Logger) aggregator.Mirror {
	if kind == "journal" {
		m, err := journal.New("diaglogd")
		if err == nil {
			return m
		}
		stderrLogger.Warn("journal mirror unavailable, using stderr", "err", err)
	}
	return aggregator.SlogMirror{Logger: stderrLogger}
}

func startSources(ctx context.Context, cfg *config.Config, d *daemon.Daemon, sup *daemon.Supervisor, lines chan<- core.LogLine, logger *slog.Logger) {
	for _, name := range cfg.SourceNames() {
		src := cfg.Sources[name]
		level := core.LevelInfo
		if src.Level != "" {
			level, _ = core.ParseLevel(src.Level)
		}

		switch core.SourceKind(src.Kind) {
		case core.KindExec:
			err := sup.Add(daemon.ExecSpec{
				Name:    name,
				Command: src.Command,
				Dir:     src.Dir,
				Env:     src.Env,
				Restart: core.RestartPolicy(src.Restart),
			})
			if err != nil {
				logger.Error("exec source not added", "source", name, "err", err)
			}
		case core.KindFile:
			t := filetail.New(filetail.Options{Name: name, Files: src.Files, Level: level, Logger: logger})
			d.AddSource(t)
			go func() {
				if err := t.Run(ctx, lines); err != nil {
					logger.Error("file source stopped", "source", name, "err", err)
				}
			}()
		case core.KindJournal:
			r := journald.New(journald.Options{Name: name, Unit: src.Unit, Level: level, Logger: logger})
			d.AddSource(r)
			go func() {
				if err := r.Run(ctx, lines); err != nil {
					logger.Error("journal source stopped", "source", name, "err", err)
				}
			}()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, c *metrics.Collector, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(c), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "err", err)
	}
}

// handleSignals cancels on SIGINT/SIGTERM and writes an export to dir on
// SIGUSR1.
func handleSignals(ctx context.Context, cancel context.CancelFunc, agg *aggregator.Aggregator, dir string, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig != syscall.SIGUSR1 {
				logger.Info("shutting down", "signal", sig.String())
				cancel()
				return
			}
			path, err := exportTo(ctx, agg, dir)
			if err != nil {
				logger.Error("export on signal failed", "err", err)
				continue
			}
			logger.Info("diagnostics written", "path", path)
		}
	}
}

// exportTo writes the buffer to dir. The exported lines are dropped only
// once the file is on disk.
func exportTo(ctx context.Context, agg *aggregator.Aggregator, dir string) (string, error) {
	var path string
	_, err := agg.ExportWith(ctx, func(art *aggregator.Artifact) error {
		var err error
		path, err = art.WriteFile(dir)
		return err
	})
	return path, err
}

// notifySystemd reports readiness once the socket is listening and pings
// the watchdog when one is configured. Outside systemd these are no-ops.
func notifySystemd(ctx context.Context, d *daemon.Daemon, logger *slog.Logger) {
	select {
	case <-d.Server().Ready():
	case <-ctx.Done():
		return
	}
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify ready", "err", err)
	}

	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog)
		}
	}
}
