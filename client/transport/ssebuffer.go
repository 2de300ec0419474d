package transport

import (
	"bytes"
	"strings"
)

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseBuffer incrementally decodes a server-sent event stream. Feed raw
// chunks in; complete events come out. Partial events stay buffered until
// the blank-line terminator arrives.
type sseBuffer struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every event completed by it.
func (b *sseBuffer) Feed(chunk []byte) []sseEvent {
	b.buf.Write(chunk)
	var events []sseEvent
	for {
		raw, ok := b.nextBlock()
		if !ok {
			return events
		}
		if ev, ok := parseSSEBlock(raw); ok {
			events = append(events, ev)
		}
	}
}

// nextBlock cuts the buffer at the first event terminator ("\n\n" or
// "\r\n\r\n", whichever comes first).
func (b *sseBuffer) nextBlock() (string, bool) {
	data := b.buf.Bytes()
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))

	idx, skip := -1, 0
	switch {
	case lf >= 0 && (crlf < 0 || lf < crlf):
		idx, skip = lf, 2
	case crlf >= 0:
		idx, skip = crlf, 4
	}
	if idx < 0 {
		return "", false
	}
	block := string(data[:idx])
	b.buf.Next(idx + skip)
	return block, true
}

// parseSSEBlock decodes one event block. Multiple data lines are joined
// with newlines; blocks without data are dropped.
func parseSSEBlock(block string) (sseEvent, bool) {
	var ev sseEvent
	var dataLines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	if len(dataLines) == 0 {
		return ev, false
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev, true
}
