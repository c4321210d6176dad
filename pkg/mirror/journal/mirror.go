// Package journal mirrors aggregator lines into systemd-journald.
package journal

import (
	"errors"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/modoterra/diaglog/pkg/core"
)

// ErrUnavailable is returned by New when no journald socket is reachable.
var ErrUnavailable = errors.New("journald is not available")

// sendFunc matches journal.Send.
type sendFunc func(message string, priority journal.Priority, vars map[string]string) error

// Mirror sends each mirrored line to journald with a priority matching its
// level. Send failures are counted, not returned.
type Mirror struct {
	identifier string
	send       sendFunc
	failures   uint64
}

// New returns a journald mirror tagging entries with SYSLOG_IDENTIFIER=identifier.
func New(identifier string) (*Mirror, error) {
	if !journal.Enabled() {
		return nil, ErrUnavailable
	}
	return &Mirror{identifier: identifier, send: journal.Send}, nil
}

// Priority maps a level onto a journald priority.
func Priority(level core.Level) journal.Priority {
	switch level {
	case core.LevelDebug:
		return journal.PriDebug
	case core.LevelWarn:
		return journal.PriWarning
	case core.LevelError:
		return journal.PriErr
	case core.LevelLog:
		return journal.PriNotice
	default:
		return journal.PriInfo
	}
}

func (m *Mirror) Mirror(level core.Level, line string) {
	err := m.send(line, Priority(level), map[string]string{
		"SYSLOG_IDENTIFIER": m.identifier,
		"DIAGLOG_LEVEL":     level.String(),
	})
	if err != nil {
		// Called from the aggregator's single mirror goroutine.
		m.failures++
	}
}

// Failures returns the number of lines journald rejected. Only safe to call
// once the owning aggregator is closed.
func (m *Mirror) Failures() uint64 { return m.failures }
