package daemon

import (
	"context"
	"sync"

	"github.com/modoterra/diaglog/pkg/core"
)

// Recorder accepts rendered log values at a level.
type Recorder interface {
	Record(level core.Level, values ...any)
}

// Pump records source lines into the aggregator, prefixed with the source
// name, and counts lines per source.
type Pump struct {
	rec    Recorder
	mu     sync.Mutex
	counts map[string]uint64
}

// NewPump creates a pump feeding rec.
func NewPump(rec Recorder) *Pump {
	return &Pump{rec: rec, counts: make(map[string]uint64)}
}

// Run drains lines until the channel is closed or ctx is cancelled.
func (p *Pump) Run(ctx context.Context, lines <-chan core.LogLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			p.Write(l)
		}
	}
}

// Write records a single line.
func (p *Pump) Write(l core.LogLine) {
	name := l.SourceID
	if _, n, err := core.ParseSourceID(l.SourceID); err == nil {
		name = n
	}
	p.rec.Record(l.Level, "["+name+"]", l.Line)

	p.mu.Lock()
	p.counts[l.SourceID]++
	p.mu.Unlock()
}

// Lines returns how many lines have been recorded for a source ID.
func (p *Pump) Lines(sourceID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[sourceID]
}
