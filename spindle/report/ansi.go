package report

import (
	"io"
	"regexp"
)

// matches ANSI escape codes (colors, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var re = regexp.MustCompile(ansi)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return re.ReplaceAllString(s, "")
}

type ansiStrippingWriter struct {
	underlying io.Writer
}

// NewStrippingWriter wraps w so that escape sequences never reach it.
// Sequences split across writes are not recognised.
func NewStrippingWriter(w io.Writer) io.Writer {
	return &ansiStrippingWriter{underlying: w}
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	clean := re.ReplaceAll(p, []byte{})
	if _, err := w.underlying.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}
