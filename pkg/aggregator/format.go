package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 prefix written at the start of every line.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// renderLine builds the full line for values. Format failures are returned
// alongside the line; they never prevent the line from being built.
func renderLine(now time.Time, values []any) (string, []error) {
	var b strings.Builder
	var errs []error

	b.WriteString(now.UTC().Format(TimestampLayout))
	b.WriteByte(' ')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		s, err := renderValue(v)
		if err != nil {
			errs = append(errs, err)
		}
		b.WriteString(s)
	}
	b.WriteByte('\n')
	return b.String(), errs
}

// renderValue renders a single value: text verbatim, errors with their
// detailed form, everything else as JSON.
func renderValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case error:
		// %+v prints stack traces for error types that carry one and falls
		// back to Error() otherwise.
		return fmt.Sprintf("%+v", val), nil
	}

	s, err := marshalJSON(v)
	if err != nil {
		return fallbackText(v), &FormatError{Type: fmt.Sprintf("%T", v), Err: err}
	}
	return s, nil
}

func marshalJSON(v any) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// fallbackText never walks the value, so cyclic structures are safe.
func fallbackText(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		// fmt recovers panics raised by String.
		return fmt.Sprint(s)
	}
	return fmt.Sprintf("[%T]", v)
}
