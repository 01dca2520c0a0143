package logging

import (
	"io"

	"github.com/ravel-labs/ravel/internal/redact"
)

// redactingWriter passes every write through redact.Redact before handing
// it to the underlying writer. zerolog builds one fully-serialized line per
// Write call, so redacting at the io.Writer boundary catches every field
// (including ones set by third-party code this package doesn't control)
// without needing a per-field hook.
type redactingWriter struct {
	out io.Writer
}

func (w redactingWriter) Write(p []byte) (int, error) {
	redacted := redact.Redact(string(p))
	if _, err := w.out.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
