package stream

import (
	"bytes"
	"log/slog"
	"strings"
)

// Decoder turns arbitrarily split byte chunks into events. The unterminated
// tail of each chunk is carried over as raw bytes, so a line (or a UTF-8
// rune) split across chunks decodes exactly as if it had arrived whole.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	carry     []byte
	done      bool
	malformed int
}

// Feed consumes one chunk and returns the events of every line it
// completed. After a Complete event the decoder stops and ignores input.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	buf := append(d.carry, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		if ev, ok := d.line(line); ok {
			events = append(events, ev)
			if d.done {
				d.carry = nil
				return events
			}
		}
	}
	d.carry = append([]byte(nil), buf...)
	return events
}

// Flush decodes the carried-over tail at end of stream. Servers that omit
// the final newline still get their last line decoded.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.carry) == 0 {
		return nil
	}
	line := d.carry
	d.carry = nil
	if ev, ok := d.line(line); ok {
		return []Event{ev}
	}
	return nil
}

// Done reports whether a Complete event has been emitted.
func (d *Decoder) Done() bool {
	return d.done
}

// Malformed returns the number of frames dropped because they failed to decode.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) line(raw []byte) (Event, bool) {
	line := string(raw)
	if !strings.HasPrefix(line, DataPrefix) {
		return nil, false
	}
	payload := strings.TrimSpace(line[len(DataPrefix):])
	if payload == "" {
		return nil, false
	}

	ev, err := ParsePayload(payload)
	if err != nil {
		d.malformed++
		slog.Debug("dropping stream frame", "error", err)
		return nil, false
	}
	if ev.Kind() == KindComplete {
		d.done = true
	}
	return ev, true
}
