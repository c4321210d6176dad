package aggregator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/modoterra/diaglog/pkg/core"
)

// Mirror receives a copy of every recorded line in development mode. Lines
// are passed without their trailing newline. A Mirror is called from a single
// goroutine.
type Mirror interface {
	Mirror(level core.Level, line string)
}

// SlogMirror writes mirrored lines to a slog logger, tagged with the level
// they were recorded at.
type SlogMirror struct {
	Logger *slog.Logger
}

func (m SlogMirror) Mirror(level core.Level, line string) {
	m.Logger.Log(context.Background(), level.SlogLevel(), line, "tag", level.String())
}

type mirrorLine struct {
	level core.Level
	line  string
}

func (a *Aggregator) startMirror(queue int) {
	a.mirrorCh = make(chan mirrorLine, queue)
	a.mirrorStop = make(chan struct{})
	a.mirrorDone = make(chan struct{})
	go a.mirrorLoop()
}

func (a *Aggregator) mirrorLoop() {
	defer close(a.mirrorDone)
	for {
		select {
		case l := <-a.mirrorCh:
			a.writeMirror(l)
		case <-a.mirrorStop:
			for {
				select {
				case l := <-a.mirrorCh:
					a.writeMirror(l)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) writeMirror(l mirrorLine) {
	defer func() {
		if r := recover(); r != nil {
			a.diag.Warn("log mirror panicked", "err", panicError(r))
		}
	}()
	a.mirror.Mirror(l.level, l.line)
}

// enqueueMirror never blocks; lines are dropped when the queue is full or
// the aggregator is closed.
func (a *Aggregator) enqueueMirror(level core.Level, text string) {
	if a.mirrorCh == nil || a.closed.Load() {
		return
	}
	select {
	case a.mirrorCh <- mirrorLine{level: level, line: strings.TrimSuffix(text, "\n")}:
	default:
		a.mirrorDropped.Add(1)
	}
}
