// Package filetail follows log files and emits their new lines.
package filetail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modoterra/diaglog/pkg/core"
)

const defaultPoll = time.Second

// Options configures a Tailer.
type Options struct {
	Name  string
	Files []string
	Level core.Level
	// Poll is a fallback rescan interval for filesystems that drop events.
	Poll   time.Duration
	Logger *slog.Logger
}

// Tailer follows a set of files from their current end. Files that do not
// exist yet are read from the start once created. Truncation and rotation
// restart reading at the beginning of the new content.
type Tailer struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	status core.Status
}

// New creates a tailer. Call Run to start following.
func New(opts Options) *Tailer {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tailer{
		id:     core.SourceID(core.KindFile, opts.Name),
		opts:   opts,
		logger: opts.Logger,
		status: core.StatusStopped,
	}
}

// Sources reports the tailer as a single file source.
func (t *Tailer) Sources() []core.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return []core.Source{{
		ID:     t.id,
		Kind:   core.KindFile,
		Name:   t.opts.Name,
		Status: t.status,
		Target: strings.Join(t.opts.Files, ","),
	}}
}

func (t *Tailer) setStatus(s core.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Run follows the files and sends lines to out until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context, out chan<- core.LogLine) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.setStatus(core.StatusFailed)
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	files := make(map[string]*tailedFile, len(t.opts.Files))
	watched := make(map[string]bool)
	for _, p := range t.opts.Files {
		abs, err := filepath.Abs(p)
		if err != nil {
			t.setStatus(core.StatusFailed)
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		dir := filepath.Dir(abs)
		if !watched[dir] {
			if err := w.Add(dir); err != nil {
				t.setStatus(core.StatusFailed)
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			watched[dir] = true
		}
		tf := &tailedFile{path: abs}
		if err := tf.open(true); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn("open log file", "path", abs, "err", err)
		}
		files[abs] = tf
	}
	defer func() {
		for _, tf := range files {
			tf.close()
		}
	}()

	t.setStatus(core.StatusRunning)
	t.logger.Info("tailing files", "source", t.opts.Name, "files", len(files))

	ticker := time.NewTicker(t.opts.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.setStatus(core.StatusStopped)
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				t.setStatus(core.StatusStopped)
				return nil
			}
			tf, ok := files[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			t.drain(ctx, tf, out)
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				tf.close()
			}
		case err, ok := <-w.Errors:
			if !ok {
				continue
			}
			t.logger.Warn("watcher error", "source", t.opts.Name, "err", err)
		case <-ticker.C:
			for _, tf := range files {
				t.drain(ctx, tf, out)
			}
		}
	}
}

// drain sends everything written to tf since the last call, one bounded
// chunk at a time.
func (t *Tailer) drain(ctx context.Context, tf *tailedFile, out chan<- core.LogLine) {
	for {
		lines, more, err := tf.read()
		if err != nil {
			t.logger.Warn("read log file", "path", tf.path, "err", err)
		}
		for _, line := range lines {
			l := core.LogLine{
				SourceID: t.id,
				TsUnixMs: time.Now().UnixMilli(),
				Stream:   "file",
				Level:    t.opts.Level,
				Line:     line,
			}
			select {
			case out <- l:
			case <-ctx.Done():
				return
			}
		}
		if !more {
			return
		}
	}
}

// chunkSize is the most read from a file in one step.
const chunkSize = 64 * 1024

// tailedFile tracks the read position in one followed file. partial holds
// at most core.MaxLineLength bytes between reads.
type tailedFile struct {
	path    string
	f       *os.File
	offset  int64
	partial []byte
	buf     []byte
}

func (tf *tailedFile) open(fromEnd bool) error {
	f, err := os.Open(tf.path)
	if err != nil {
		return err
	}
	var off int64
	if fromEnd {
		if off, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}
	tf.f = f
	tf.offset = off
	tf.partial = nil
	return nil
}

func (tf *tailedFile) close() {
	if tf.f != nil {
		tf.f.Close()
		tf.f = nil
	}
}

// read reads the next chunk and returns the lines it completed. more is
// true while unread data remains.
func (tf *tailedFile) read() (lines []string, more bool, err error) {
	if tf.f == nil {
		if err := tf.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}

	lines, more, err = tf.readChunk()
	if err != nil || more {
		return lines, more, err
	}

	// A different file at the path means the old one was rotated away.
	cur, err := tf.f.Stat()
	if err != nil {
		return lines, false, err
	}
	onDisk, err := os.Stat(tf.path)
	if err != nil || os.SameFile(cur, onDisk) {
		return lines, false, nil
	}
	tf.close()
	if err := tf.open(false); err != nil {
		return lines, false, err
	}
	return lines, true, nil
}

func (tf *tailedFile) readChunk() ([]string, bool, error) {
	info, err := tf.f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() < tf.offset {
		tf.offset = 0
		tf.partial = nil
	}

	if tf.buf == nil {
		tf.buf = make([]byte, chunkSize)
	}
	n, err := tf.f.ReadAt(tf.buf, tf.offset)
	tf.offset += int64(n)
	tf.partial = append(tf.partial, tf.buf[:n]...)
	lines := tf.split()
	switch {
	case err == io.EOF:
		return lines, false, nil
	case err != nil:
		return lines, false, err
	}
	return lines, true, nil
}

// split cuts complete lines off partial. A run longer than
// core.MaxLineLength without a newline is cut into pieces of that size.
func (tf *tailedFile) split() []string {
	var lines []string
	for {
		window := tf.partial
		if len(window) > core.MaxLineLength+1 {
			window = window[:core.MaxLineLength+1]
		}
		if i := bytes.IndexByte(window, '\n'); i >= 0 {
			lines = append(lines, string(bytes.TrimSuffix(tf.partial[:i], []byte{'\r'})))
			tf.partial = tf.partial[i+1:]
			continue
		}
		if len(tf.partial) <= core.MaxLineLength {
			break
		}
		lines = append(lines, string(tf.partial[:core.MaxLineLength]))
		tf.partial = tf.partial[core.MaxLineLength:]
	}
	if len(tf.partial) == 0 {
		tf.partial = nil
	}
	return lines
}
