package gemini

import (
	"errors"
	"strings"
	"testing"
)

func feedAll(t *testing.T, p *StreamParser, parts []string) []string {
	t.Helper()
	var out []string
	for _, part := range parts {
		events, err := p.Feed([]byte(part))
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		for _, e := range events {
			out = append(out, string(e))
		}
	}
	for _, e := range p.Flush() {
		out = append(out, string(e))
	}
	return out
}

func TestStreamParser_SplitBoundaries(t *testing.T) {
	t.Parallel()

	stream := "data: {\"response\":{\"n\":1}}\r\n\r\n: keep-alive\n\ndata: {\"response\":{\"n\":2}}\n\ndata: {\"response\":{\"n\":3}}\n\n"
	want := []string{`{"response":{"n":1}}`, `{"response":{"n":2}}`, `{"response":{"n":3}}`}

	// Every possible split point, including inside the JSON and inside the CRLF.
	for i := 0; i <= len(stream); i++ {
		got := feedAll(t, NewStreamParser(0), []string{stream[:i], stream[i:]})
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("split at %d: got %q, want %q", i, got, want)
		}
	}

	// One byte at a time.
	parts := make([]string, len(stream))
	for i := range stream {
		parts[i] = stream[i : i+1]
	}
	if got := feedAll(t, NewStreamParser(0), parts); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("byte-wise: got %q", got)
	}
}

func TestStreamParser_MultiLineAndTrailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stream string
		want   []string
	}{
		{name: "multi-line data", stream: "data: {\"a\":\ndata: 1}\n\n", want: []string{"{\"a\":\n1}"}},
		{name: "no trailing blank line", stream: "data: {\"a\":1}\n", want: []string{`{"a":1}`}},
		{name: "no trailing newline", stream: "data: {\"a\":1}", want: []string{`{"a":1}`}},
		{name: "event field ignored", stream: "event: message\ndata: {\"a\":1}\n\n", want: []string{`{"a":1}`}},
		{name: "bare json lines", stream: "{\"a\":1}\n{\"a\":2}\n", want: []string{`{"a":1}`, `{"a":2}`}},
		{name: "no space after colon", stream: "data:{\"a\":1}\n\n", want: []string{`{"a":1}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := feedAll(t, NewStreamParser(0), []string{tt.stream})
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamParser_Limit(t *testing.T) {
	t.Parallel()

	p := NewStreamParser(16)
	if _, err := p.Feed([]byte("data: " + strings.Repeat("x", 32))); !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("Feed() error = %v, want ErrEventTooLarge", err)
	}
}

func TestStreamParser_DataLineDispatchesWithoutBlankLine(t *testing.T) {
	t.Parallel()

	p := NewStreamParser(0)
	events, err := p.Feed([]byte("data: {\"response\":{\"a\":1}}\n"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(events) != 1 || string(events[0]) != `{"response":{"a":1}}` {
		t.Fatalf("events = %q, want the data line before the blank line arrives", events)
	}

	// The held-back blank line must not produce a second event.
	events, err = p.Feed([]byte("\n"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("blank line produced %q", events)
	}

	// A value split over data lines still waits until it parses.
	events, _ = p.Feed([]byte("data: {\"b\":\n"))
	if len(events) != 0 {
		t.Fatalf("partial multi-line value dispatched: %q", events)
	}
	events, _ = p.Feed([]byte("data: 2}\n"))
	if len(events) != 1 || string(events[0]) != "{\"b\":\n2}" {
		t.Errorf("events = %q, want the joined value", events)
	}
}
