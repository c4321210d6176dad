package aggregator

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/modoterra/diaglog/pkg/core"
)

func TestHandlerRecordsMessageAndAttrs(t *testing.T) {
	a := newTestAggregator(t, DefaultBudget, nil)
	logger := slog.New(NewHandler(a, nil)).With("component", "daemon")

	logger.Warn("socket busy", "path", "/tmp/x.sock", "attempt", 2, "reason", "in use")

	tail := a.Tail(1)
	want := line(`socket busy component=daemon path=/tmp/x.sock attempt=2 reason="in use"`)
	if len(tail) != 1 || tail[0].Text != want {
		t.Fatalf("got %+v, want %q", tail, want)
	}
	if tail[0].Level != core.LevelWarn {
		t.Errorf("level: got %v", tail[0].Level)
	}
}

func TestHandlerGroups(t *testing.T) {
	a := newTestAggregator(t, DefaultBudget, nil)
	logger := slog.New(NewHandler(a, nil)).WithGroup("req")

	logger.Info("done", slog.Group("http", "status", 200), "id", "r1")

	if got, want := a.Tail(1)[0].Text, line("done req.http.status=200 req.id=r1"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHandlerLevel(t *testing.T) {
	a := newTestAggregator(t, DefaultBudget, nil)
	logger := slog.New(NewHandler(a, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logger.Info("dropped")
	logger.Error("kept")

	if st := a.Stats(); st.Entries != 1 {
		t.Errorf("entries: got %d, want 1", st.Entries)
	}
}

func TestTeeHandler(t *testing.T) {
	a := newTestAggregator(t, DefaultBudget, nil)
	var out bytes.Buffer
	text := slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelError})

	logger := slog.New(NewTeeHandler(text, NewHandler(a, nil))).With("svc", "diaglogd")
	logger.Info("only in buffer")
	logger.Error("in both")

	if st := a.Stats(); st.Entries != 2 {
		t.Errorf("buffer entries: got %d, want 2", st.Entries)
	}
	if strings.Contains(out.String(), "only in buffer") || !strings.Contains(out.String(), "in both") {
		t.Errorf("text handler output: %q", out.String())
	}
	if !strings.Contains(out.String(), "svc=diaglogd") {
		t.Errorf("attrs not propagated: %q", out.String())
	}
}

func TestSlogMirror(t *testing.T) {
	var out bytes.Buffer
	m := SlogMirror{Logger: slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	m.Mirror(core.LevelLog, "2024-01-02T03:04:05.000Z hello")
	if !strings.Contains(out.String(), "level=INFO") || !strings.Contains(out.String(), "tag=log") {
		t.Errorf("mirror output: %q", out.String())
	}
}
