package core

import (
	"fmt"
	"strings"
)

// SourceKind represents the type of log source feeding the aggregator.
type SourceKind string

const (
	KindExec    SourceKind = "exec"
	KindFile    SourceKind = "file"
	KindJournal SourceKind = "journal"
)

// Status represents the current state of a source.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
	StatusRestarting Status = "restarting"
)

// RestartPolicy defines how a supervised process should be restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Source describes a configured log source and its runtime state.
type Source struct {
	ID        string     `json:"id"`
	Kind      SourceKind `json:"kind"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	Lines     uint64     `json:"lines"`
	Restarts  int        `json:"restarts,omitempty"`
	UptimeSec uint64     `json:"uptime_sec,omitempty"`
	Target    string     `json:"target,omitempty"` // command, file path or unit
}

// SourceID constructs a source ID from its components.
// Format: kind:name
func SourceID(kind SourceKind, name string) string {
	return fmt.Sprintf("%s:%s", kind, name)
}

// ParseSourceID splits a source ID into kind and name.
func ParseSourceID(id string) (kind SourceKind, name string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid source ID %q: expected kind:name", id)
	}
	return SourceKind(parts[0]), parts[1], nil
}

// MaxLineLength caps a single line read from a source. Longer input is
// emitted in pieces of this size.
const MaxLineLength = 64 * 1024

// LogLine represents a single raw line read from a source, before it is
// rendered into the aggregator.
type LogLine struct {
	SourceID string `json:"source_id"`
	TsUnixMs int64  `json:"ts_unix_ms"`
	Stream   string `json:"stream"` // "stdout", "stderr", "journal", "file"
	Level    Level  `json:"level"`
	Line     string `json:"line"`
}
