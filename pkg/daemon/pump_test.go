package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
)

type recorded struct {
	level  core.Level
	values []any
}

type fakeRecorder struct {
	ch chan recorded
}

func (f *fakeRecorder) Record(level core.Level, values ...any) {
	f.ch <- recorded{level: level, values: values}
}

func TestPumpPrefixesSourceName(t *testing.T) {
	rec := &fakeRecorder{ch: make(chan recorded, 4)}
	p := NewPump(rec)

	lines := make(chan core.LogLine, 2)
	lines <- core.LogLine{SourceID: "journal:nginx", Level: core.LevelWarn, Line: "upstream slow"}
	lines <- core.LogLine{SourceID: "bare", Level: core.LevelInfo, Line: "no kind"}
	close(lines)

	p.Run(context.Background(), lines)

	got := <-rec.ch
	if got.level != core.LevelWarn || got.values[0] != "[nginx]" || got.values[1] != "upstream slow" {
		t.Errorf("unexpected record: %+v", got)
	}
	got = <-rec.ch
	if got.values[0] != "[bare]" {
		t.Errorf("unparseable IDs should be used verbatim, got %v", got.values[0])
	}
	if n := p.Lines("journal:nginx"); n != 1 {
		t.Errorf("line count: got %d", n)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	p := NewPump(&fakeRecorder{ch: make(chan recorded, 1)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, make(chan core.LogLine))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
}
