package filetail

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
)

func startTailer(t *testing.T, files ...string) (*Tailer, <-chan core.LogLine) {
	t.Helper()
	tl := New(Options{
		Name:   "app",
		Files:  files,
		Level:  core.LevelWarn,
		Poll:   50 * time.Millisecond,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	out := make(chan core.LogLine, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx, out) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for tl.Sources()[0].Status != core.StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("tailer did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return tl, out
}

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
}

func expectLine(t *testing.T, out <-chan core.LogLine, want string) core.LogLine {
	t.Helper()
	select {
	case l := <-out:
		if l.Line != want {
			t.Fatalf("got line %q, want %q", l.Line, want)
		}
		return l
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
	return core.LogLine{}
}

func TestTailStartsAtEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "old line\n")

	_, out := startTailer(t, path)
	appendFile(t, path, "new line\n")

	l := expectLine(t, out, "new line")
	if l.SourceID != "file:app" || l.Level != core.LevelWarn || l.Stream != "file" {
		t.Errorf("unexpected line metadata: %+v", l)
	}
}

func TestTailJoinsPartialWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "")

	_, out := startTailer(t, path)
	appendFile(t, path, "par")
	time.Sleep(150 * time.Millisecond)
	appendFile(t, path, "tial\r\n")

	expectLine(t, out, "partial")
}

func TestTailTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "some earlier content that is long\n")

	_, out := startTailer(t, path)
	if err := os.WriteFile(path, []byte("after\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	expectLine(t, out, "after")
}

func TestTailFileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	_, out := startTailer(t, path)
	appendFile(t, path, "fresh\n")

	expectLine(t, out, "fresh")
}

func TestTailRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "")

	_, out := startTailer(t, path)
	appendFile(t, path, "before rotate\n")
	expectLine(t, out, "before rotate")

	if err := os.Rename(path, filepath.Join(dir, "app.log.1")); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "after rotate\n")
	expectLine(t, out, "after rotate")
}

func TestTailSplitsLongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "")

	_, out := startTailer(t, path)
	appendFile(t, path, strings.Repeat("y", core.MaxLineLength+5)+"\n"+strings.Repeat("z", core.MaxLineLength)+"\nshort\n")

	expectLine(t, out, strings.Repeat("y", core.MaxLineLength))
	expectLine(t, out, "yyyyy")
	expectLine(t, out, strings.Repeat("z", core.MaxLineLength))
	expectLine(t, out, "short")
}

func TestReadKeepsMemoryBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	data := bytes.Repeat([]byte("x"), 16*core.MaxLineLength+10)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	tf := &tailedFile{path: path}
	t.Cleanup(tf.close)
	var pieces []string
	for steps := 0; ; steps++ {
		if steps > 100 {
			t.Fatal("read never reached the end of the file")
		}
		lines, more, err := tf.read()
		if err != nil {
			t.Fatal(err)
		}
		if len(tf.partial) > core.MaxLineLength {
			t.Fatalf("pending data grew to %d bytes", len(tf.partial))
		}
		pieces = append(pieces, lines...)
		if !more {
			break
		}
	}
	if len(pieces) != 16 {
		t.Fatalf("got %d pieces, want 16", len(pieces))
	}
	for i, p := range pieces {
		if len(p) != core.MaxLineLength {
			t.Errorf("piece %d: %d bytes", i, len(p))
		}
	}

	appendFile(t, path, "end\n")
	lines, _, err := tf.read()
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "xxxxxxxxxxend" {
		t.Errorf("remainder: %q", lines)
	}
}

func TestSourcesReport(t *testing.T) {
	tl := New(Options{Name: "app", Files: []string{"/a.log", "/b.log"}})
	srcs := tl.Sources()
	if len(srcs) != 1 {
		t.Fatalf("expected 1 source, got %d", len(srcs))
	}
	if srcs[0].ID != "file:app" || srcs[0].Status != core.StatusStopped || srcs[0].Target != "/a.log,/b.log" {
		t.Errorf("unexpected source: %+v", srcs[0])
	}
}

func TestRunMissingDirectory(t *testing.T) {
	tl := New(Options{Name: "x", Files: []string{filepath.Join(t.TempDir(), "nope", "x.log")}})
	err := tl.Run(context.Background(), make(chan core.LogLine))
	if err == nil {
		t.Fatal("expected error watching missing directory")
	}
	if tl.Sources()[0].Status != core.StatusFailed {
		t.Errorf("expected failed status")
	}
}
