package daemon

import (
	"bufio"
	"bytes"
	"io"

	"github.com/modoterra/diaglog/pkg/core"
)

// scanLines calls fn for every line read from r with the trailing newline
// and carriage return removed. It keeps reading until r is exhausted so a
// child never blocks on a full pipe.
func scanLines(r io.Reader, fn func(string)) {
	br := bufio.NewReaderSize(r, core.MaxLineLength)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 || (err == nil && !isPrefix) {
			fn(string(bytes.TrimSuffix(chunk, []byte{'\r'})))
		}
		if err != nil {
			return
		}
	}
}
