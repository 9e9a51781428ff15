package gemini

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"
)

// StreamParser reassembles server-sent events from arbitrarily split reads.
// Feed accepts whatever bytes arrived and returns the data payload of every event
// that is now complete; a partial line or event stays buffered until the rest
// arrives. A data line whose accumulated value already parses as JSON completes the
// event without waiting for the blank line. A StreamParser belongs to a single stream and is not safe for concurrent use.
type StreamParser struct {
	buf  []byte
	data [][]byte
	// maxBuffered caps the pending partial line; 0 means unlimited.
	maxBuffered int
}

// NewStreamParser returns a parser that fails with ErrEventTooLarge once a single
// unterminated line exceeds maxBuffered bytes.
func NewStreamParser(maxBuffered int) *StreamParser {
	return &StreamParser{maxBuffered: maxBuffered}
}

// ErrEventTooLarge is returned when a single line outgrows the parser buffer.
var ErrEventTooLarge = errors.New("stream event exceeds buffer limit")

// Feed consumes chunk and returns the payloads of the events it completed, in order.
func (p *StreamParser) Feed(chunk []byte) ([][]byte, error) {
	p.buf = append(p.buf, chunk...)
	var events [][]byte
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(p.buf[:idx], []byte("\r"))
		if event, ok := p.line(line); ok {
			events = append(events, event)
		}
		p.buf = p.buf[idx+1:]
	}
	if p.maxBuffered > 0 && len(p.buf) > p.maxBuffered {
		return events, ErrEventTooLarge
	}
	// Release the consumed prefix so the backing array does not grow with the stream.
	if len(p.buf) == 0 {
		p.buf = nil
	} else if cap(p.buf) > 4*len(p.buf)+4096 {
		p.buf = append([]byte(nil), p.buf...)
	}
	return events, nil
}

// Flush completes whatever is pending at end of stream. A trailing line without a
// newline is accepted; an event without its blank-line terminator is dispatched.
func (p *StreamParser) Flush() [][]byte {
	var events [][]byte
	if len(p.buf) > 0 {
		line := bytes.TrimSuffix(p.buf, []byte("\r"))
		p.buf = nil
		if event, ok := p.line(line); ok {
			events = append(events, event)
		}
	}
	if event, ok := p.dispatch(); ok {
		events = append(events, event)
	}
	return events
}

func (p *StreamParser) line(line []byte) ([]byte, bool) {
	if len(line) == 0 {
		return p.dispatch()
	}
	if line[0] == ':' {
		return nil, false
	}
	field, value := line, []byte(nil)
	if idx := bytes.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = bytes.TrimPrefix(value, []byte(" "))
	}
	if string(field) == "data" {
		p.data = append(p.data, append([]byte(nil), value...))
		pending := value
		if len(p.data) > 1 {
			pending = bytes.Join(p.data, []byte("\n"))
		}
		if !gjson.ValidBytes(pending) {
			return nil, false
		}
		return p.dispatch()
	}
	// Some backends emit bare JSON lines without the data field.
	if len(p.data) == 0 && (line[0] == '{' || line[0] == '[') {
		return append([]byte(nil), line...), true
	}
	return nil, false
}

func (p *StreamParser) dispatch() ([]byte, bool) {
	if len(p.data) == 0 {
		return nil, false
	}
	event := bytes.Join(p.data, []byte("\n"))
	p.data = p.data[:0]
	return event, true
}
