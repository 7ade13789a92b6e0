package gateway

import (
	"bytes"
	"encoding/json"
)

// maxLineBytes caps a single buffered line. Longer input without a newline is
// emitted as a raw line so a chatty child cannot grow the buffer unbounded.
const maxLineBytes = 4 << 20

// Decoded is one complete input line. OK reports whether Raw decoded into
// Value; when false, consumers fall back to the raw text.
type Decoded[T any] struct {
	Value T
	Raw   string
	OK    bool
}

// LineDecoder accumulates bytes, splits them on '\n', and attempts a JSON
// decode of each complete line into T. Blank lines are skipped and a
// trailing '\r' is trimmed.
type LineDecoder[T any] struct {
	buf []byte
}

// Feed appends p and returns every line it completed, in input order.
func (d *LineDecoder[T]) Feed(p []byte) []Decoded[T] {
	d.buf = append(d.buf, p...)
	var out []Decoded[T]
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if line, ok := decodeLine[T](d.buf[:i]); ok {
			out = append(out, line)
		}
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) > maxLineBytes {
		if line, ok := decodeLine[T](d.buf); ok {
			out = append(out, line)
		}
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush returns the unterminated remainder, if any, as a final line.
func (d *LineDecoder[T]) Flush() []Decoded[T] {
	rest := d.buf
	d.buf = nil
	if line, ok := decodeLine[T](rest); ok {
		return []Decoded[T]{line}
	}
	return nil
}

func decodeLine[T any](b []byte) (Decoded[T], bool) {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	if len(bytes.TrimSpace(b)) == 0 {
		return Decoded[T]{}, false
	}
	line := Decoded[T]{Raw: string(b)}
	if err := json.Unmarshal(b, &line.Value); err == nil {
		line.OK = true
	}
	return line, true
}
