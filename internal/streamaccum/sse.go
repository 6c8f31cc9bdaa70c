package streamaccum

import "strings"

// SSEEvent is one decoded server-sent event: an optional named type and its
// data payload, already stripped of `event:` / `data:` prefixes.
type SSEEvent struct {
	Event string
	Data  string
}

// SSESplitter incrementally splits `stream_chunk` byte-slices arriving over
// the proxy control channel into complete SSE events, the way §4.5
// describes: split by `\n\n`, trim `event:`/`data:` prefixes, ignore `ping`
// events and `[DONE]` sentinels. Chunks may split an event mid-line, so
// incomplete trailing data is buffered across Push calls.
type SSESplitter struct {
	buf strings.Builder
}

// Push appends chunk to the internal buffer and returns every event that is
// now complete (terminated by a blank line).
func (s *SSESplitter) Push(chunk []byte) []SSEEvent {
	s.buf.Write(chunk)
	raw := s.buf.String()

	var events []SSEEvent
	for {
		idx := strings.Index(raw, "\n\n")
		if idx < 0 {
			break
		}
		block := raw[:idx]
		raw = raw[idx+2:]
		if evt, ok := parseEventBlock(block); ok {
			events = append(events, evt)
		}
	}

	s.buf.Reset()
	s.buf.WriteString(raw)
	return events
}

func parseEventBlock(block string) (SSEEvent, bool) {
	var eventType string
	var dataLines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		}
	}
	if len(dataLines) == 0 {
		return SSEEvent{}, false
	}
	data := strings.Join(dataLines, "\n")
	if eventType == "ping" || data == "[DONE]" {
		return SSEEvent{}, false
	}
	return SSEEvent{Event: eventType, Data: data}, true
}
