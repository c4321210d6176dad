package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/diaglog/pkg/core"
)

// DefaultBudget is the byte ceiling used when Options.Budget is zero.
const DefaultBudget int64 = 4 << 20

const (
	defaultName        = "diagnostics"
	defaultMirrorQueue = 256
)

// Options configures an Aggregator. The zero value is usable.
type Options struct {
	// Budget is the maximum number of bytes retained. Defaults to DefaultBudget.
	Budget int64
	// Encoding packages exports. Defaults to TextEncoding.
	Encoding Encoding
	// Name is the artifact base name. Defaults to "diagnostics".
	Name string
	// DevMode enables mirroring every line to Mirror.
	DevMode bool
	Mirror  Mirror
	// MirrorQueue bounds the number of lines waiting to be mirrored.
	MirrorQueue int
	// Diagnostics receives append and export failures. It must not write
	// back into this aggregator. Defaults to slog.Default().
	Diagnostics *slog.Logger
	// Now is the clock used for line timestamps.
	Now func() time.Time
}

// Entry is one retained line. Entries are never modified after creation.
type Entry struct {
	Seq   uint64     `json:"seq"`
	Level core.Level `json:"level"`
	Text  string     `json:"text"`
	Size  int        `json:"size"`
}

// Artifact is the packaged result of an export. It shares no memory with
// the aggregator.
type Artifact struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Encoding    string    `json:"encoding"`
	Data        []byte    `json:"data"`
	Entries     int       `json:"entries"`
	TextBytes   int64     `json:"text_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	// End is one past the sequence number of the last packaged line. Pass it
	// to Commit once the artifact is stored.
	End uint64 `json:"end"`
}

// Stats is a point-in-time view of the aggregator.
type Stats struct {
	Entries        int    `json:"entries"`
	Bytes          int64  `json:"bytes"`
	Budget         int64  `json:"budget"`
	Encoding       string `json:"encoding"`
	Exporting      bool   `json:"exporting"`
	NextSeq        uint64 `json:"next_seq"`
	EvictedEntries uint64 `json:"evicted_entries"`
	EvictedBytes   uint64 `json:"evicted_bytes"`
	Exports        uint64 `json:"exports"`
	ExportFailures uint64 `json:"export_failures"`
	FormatFailures uint64 `json:"format_failures"`
	AppendFailures uint64 `json:"append_failures"`
	MirrorDropped  uint64 `json:"mirror_dropped"`
}

// Aggregator is a bounded in-memory log buffer. All methods are safe for
// concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	entries   []Entry
	total     int64
	nextSeq   uint64
	exporting bool

	// exportMu serializes exports so snapshots never overlap.
	exportMu sync.Mutex

	budget   int64
	encoding Encoding
	name     string
	now      func() time.Time
	diag     *slog.Logger

	mirror     Mirror
	mirrorCh   chan mirrorLine
	mirrorStop chan struct{}
	mirrorDone chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool

	evictedEntries atomic.Uint64
	evictedBytes   atomic.Uint64
	exports        atomic.Uint64
	exportFailures atomic.Uint64
	formatFailures atomic.Uint64
	appendFailures atomic.Uint64
	mirrorDropped  atomic.Uint64
}

// New creates an aggregator. Call Close to stop the mirror goroutine.
func New(opts Options) *Aggregator {
	a := &Aggregator{
		budget:   opts.Budget,
		encoding: opts.Encoding,
		name:     opts.Name,
		now:      opts.Now,
		diag:     opts.Diagnostics,
	}
	if a.budget <= 0 {
		a.budget = DefaultBudget
	}
	if a.encoding == nil {
		a.encoding = TextEncoding{}
	}
	if a.name == "" {
		a.name = defaultName
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.diag == nil {
		a.diag = slog.Default()
	}
	if opts.DevMode && opts.Mirror != nil {
		a.mirror = opts.Mirror
		queue := opts.MirrorQueue
		if queue <= 0 {
			queue = defaultMirrorQueue
		}
		a.startMirror(queue)
	}
	return a
}

// Log records values at the "log" level.
func (a *Aggregator) Log(values ...any) { a.Record(core.LevelLog, values...) }

// Info records values at the info level.
func (a *Aggregator) Info(values ...any) { a.Record(core.LevelInfo, values...) }

// Debug records values at the debug level.
func (a *Aggregator) Debug(values ...any) { a.Record(core.LevelDebug, values...) }

// Warn records values at the warn level.
func (a *Aggregator) Warn(values ...any) { a.Record(core.LevelWarn, values...) }

// Error records values at the error level.
func (a *Aggregator) Error(values ...any) { a.Record(core.LevelError, values...) }

// Record renders values into one line and appends it, evicting the oldest
// lines if the budget is exceeded. It never panics and never waits on I/O.
func (a *Aggregator) Record(level core.Level, values ...any) {
	text, ok := a.recordLine(level, values)
	if ok {
		a.mirrorLine(level, text)
	}
}

func (a *Aggregator) recordLine(level core.Level, values []any) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.appendFailures.Add(1)
			a.diag.Error("log record dropped", "err", &AppendError{Level: level, Err: panicError(r)})
			text, ok = "", false
		}
	}()

	// Rendering touches no shared state and stays outside the lock, so
	// concurrent producers may append slightly out of timestamp order.
	text, ferrs := renderLine(a.now(), values)
	for _, err := range ferrs {
		a.formatFailures.Add(1)
		a.diag.Debug("log value formatted with fallback", "err", err)
	}

	a.append(level, text)
	return text, true
}

// mirrorLine hands an already retained line to the dev mirror. A failure
// here loses only the mirrored copy.
func (a *Aggregator) mirrorLine(level core.Level, text string) {
	defer func() {
		if r := recover(); r != nil {
			a.mirrorDropped.Add(1)
			a.diag.Warn("log line not mirrored", "level", level.String(), "err", panicError(r))
		}
	}()
	a.enqueueMirror(level, text)
}

func (a *Aggregator) append(level core.Level, text string) {
	size := len(text)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, Entry{Seq: a.nextSeq, Level: level, Text: text, Size: size})
	a.nextSeq++
	a.total += int64(size)
	if a.total > a.budget {
		a.evictLocked()
	}
}

// evictLocked drops the shortest run of oldest entries that brings the total
// back within budget. The newest entry is never part of that run.
func (a *Aggregator) evictLocked() {
	excess := a.total - a.budget
	var removed int64
	n := 0
	for n < len(a.entries)-1 && removed < excess {
		removed += int64(a.entries[n].Size)
		n++
	}
	if n == 0 {
		return
	}
	a.dropFrontLocked(n, removed)
	a.evictedEntries.Add(uint64(n))
	a.evictedBytes.Add(uint64(removed))
}

func (a *Aggregator) dropFrontLocked(n int, size int64) {
	clear(a.entries[:n])
	a.entries = a.entries[n:]
	a.total -= size
	if len(a.entries) == 0 {
		a.entries = nil
	}
}

// ExportAndReset packages every retained line and, on success, removes the
// exported lines from the buffer. Lines recorded while packaging runs are
// kept. On failure or cancellation the buffer is unchanged and the returned
// error matches ErrExportFailed.
func (a *Aggregator) ExportAndReset(ctx context.Context) (*Artifact, error) {
	return a.ExportWith(ctx, nil)
}

// ExportWith packages the buffer, passes the artifact to deliver and removes
// the packaged lines only if deliver succeeds. A nil deliver always
// succeeds. A deliver error is reported as an export failure and leaves the
// buffer unchanged.
func (a *Aggregator) ExportWith(ctx context.Context, deliver func(*Artifact) error) (*Artifact, error) {
	a.exportMu.Lock()
	defer a.exportMu.Unlock()

	art, err := a.exportLocked(ctx)
	if err != nil {
		return nil, err
	}
	if deliver != nil {
		if err := deliver(art); err != nil {
			return nil, a.exportFailed(art.Entries, err)
		}
	}
	a.Commit(art.End)
	return art, nil
}

// Export packages every retained line without removing any of them. Call
// Commit with the artifact's End after it has been stored; until then a
// failed delivery can simply be retried.
func (a *Aggregator) Export(ctx context.Context) (*Artifact, error) {
	a.exportMu.Lock()
	defer a.exportMu.Unlock()
	return a.exportLocked(ctx)
}

// Commit removes the lines an artifact covered, that is every line with a
// sequence number below end, and counts a completed export. Lines already
// evicted or committed are skipped, so repeating a Commit is harmless.
func (a *Aggregator) Commit(end uint64) {
	a.mu.Lock()
	a.dropThroughLocked(end)
	a.mu.Unlock()
	a.exports.Add(1)
}

func (a *Aggregator) exportFailed(entries int, err error) error {
	a.exportFailures.Add(1)
	exportErr := &ExportError{Encoding: a.encoding.Name(), Entries: entries, Err: err}
	a.diag.Error("log export failed", "err", exportErr)
	return exportErr
}

func (a *Aggregator) exportLocked(ctx context.Context) (*Artifact, error) {
	a.mu.Lock()
	snapshot := make([]Entry, len(a.entries))
	copy(snapshot, a.entries)
	end := a.nextSeq
	textBytes := a.total
	a.exporting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.exporting = false
		a.mu.Unlock()
	}()

	art, err := a.pack(ctx, snapshot, textBytes)
	if err != nil {
		return nil, a.exportFailed(len(snapshot), err)
	}
	art.End = end
	return art, nil
}

// dropThroughLocked removes the leading entries with a sequence number below
// end. Entries the snapshot covered may already have been evicted.
func (a *Aggregator) dropThroughLocked(end uint64) {
	var removed int64
	n := 0
	for n < len(a.entries) && a.entries[n].Seq < end {
		removed += int64(a.entries[n].Size)
		n++
	}
	if n > 0 {
		a.dropFrontLocked(n, removed)
	}
}

func (a *Aggregator) pack(ctx context.Context, snapshot []Entry, textBytes int64) (art *Artifact, err error) {
	defer func() {
		// bytes.Buffer panics with ErrTooLarge when it cannot grow.
		if r := recover(); r != nil {
			art, err = nil, panicError(r)
		}
	}()

	created := a.now().UTC()
	var buf bytes.Buffer
	src := &entryReader{ctx: ctx, entries: snapshot}
	member := Member{Name: a.name + ".txt", Modified: created}
	if err := a.encoding.Encode(ctx, &buf, member, src); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Artifact{
		Name:        a.name + "-" + created.Format("20060102T150405Z") + a.encoding.Extension(),
		ContentType: a.encoding.ContentType(),
		Encoding:    a.encoding.Name(),
		Data:        buf.Bytes(),
		Entries:     len(snapshot),
		TextBytes:   textBytes,
		CreatedAt:   created,
	}, nil
}

// Clear drops every retained line without exporting.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.entries = nil
	a.total = 0
	a.mu.Unlock()
}

// Tail returns copies of the newest n entries, oldest first. n <= 0 returns
// every entry.
func (a *Aggregator) Tail(n int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if n > 0 && n < len(a.entries) {
		start = len(a.entries) - n
	}
	out := make([]Entry, len(a.entries)-start)
	copy(out, a.entries[start:])
	return out
}

// Stats returns the current buffer size and lifetime counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Entries:   len(a.entries),
		Bytes:     a.total,
		Exporting: a.exporting,
		NextSeq:   a.nextSeq,
	}
	a.mu.Unlock()

	s.Budget = a.budget
	s.Encoding = a.encoding.Name()
	s.EvictedEntries = a.evictedEntries.Load()
	s.EvictedBytes = a.evictedBytes.Load()
	s.Exports = a.exports.Load()
	s.ExportFailures = a.exportFailures.Load()
	s.FormatFailures = a.formatFailures.Load()
	s.AppendFailures = a.appendFailures.Load()
	s.MirrorDropped = a.mirrorDropped.Load()
	return s
}

// Budget returns the configured byte ceiling.
func (a *Aggregator) Budget() int64 { return a.budget }

// Encoding returns the configured export encoding.
func (a *Aggregator) Encoding() Encoding { return a.encoding }

// Close flushes pending mirror lines and stops the mirror goroutine. The
// buffer itself remains usable.
func (a *Aggregator) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		if a.mirrorStop != nil {
			close(a.mirrorStop)
			<-a.mirrorDone
		}
	})
	return nil
}

// WriteFile writes the artifact into dir under its own name and returns the
// file path.
func (art *Artifact) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, art.Name)
	if err := os.WriteFile(path, art.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
