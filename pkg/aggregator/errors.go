package aggregator

import (
	"errors"
	"fmt"

	"github.com/modoterra/diaglog/pkg/core"
)

// ErrExportFailed is matched by every error the export methods return.
var ErrExportFailed = errors.New("log export failed")

// FormatError reports a value that could not be serialized. The value is
// still recorded using a generic textual form.
type FormatError struct {
	Type string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s: %v", e.Type, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// AppendError reports a failure while rendering or storing a line. The
// record call that hit it leaves the buffer untouched.
type AppendError struct {
	Level core.Level
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append %s line: %v", e.Level, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// ExportError reports a packaging failure. The buffer is left as it was.
type ExportError struct {
	Encoding string
	Entries  int
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %d entries as %s: %v", e.Entries, e.Encoding, e.Err)
}

func (e *ExportError) Unwrap() []error { return []error{ErrExportFailed, e.Err} }

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
