package processing

import "strings"

// DoneMarker is the sentinel some upstreams send as the final data payload.
const DoneMarker = "[DONE]"

// Event is one framed server-sent event. Data is the raw payload; decoding is
// left to the format parsers.
type Event struct {
	Name string
	Data string
}

// LineParser frames a line-split SSE stream into events. It never fails:
// unrecognised lines are dropped and malformed payloads are passed through for
// the caller to count.
type LineParser struct {
	name    string
	data    []string
	pending bool
}

func NewLineParser() *LineParser {
	return &LineParser{}
}

// FeedLine consumes one line without its terminator and returns the events
// completed by it, usually none or one.
func (p *LineParser) FeedLine(line string) []Event {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.Flush()
	}

	// comment / keep-alive
	if strings.HasPrefix(line, ":") {
		return nil
	}

	// Bare sentinel or bare JSON object lines are emitted immediately. Some
	// OpenAI-compatible relays drop the "data:" prefix entirely.
	// A preceding "event:" line with no data yet names the bare line.
	if line == DoneMarker || strings.HasPrefix(line, "{") {
		if p.pending {
			return append(p.Flush(), Event{Data: line})
		}
		name := p.name
		p.name = ""
		return []Event{{Name: name, Data: line}}
	}

	field, value := splitField(line)
	switch field {
	case "event":
		// A new event name without a separating blank line closes the
		// previous event.
		var events []Event
		if p.pending {
			events = p.Flush()
		}
		p.name = value
		return events
	case "data":
		p.data = append(p.data, value)
		p.pending = true
	}

	return nil
}

// Flush emits whatever event is buffered and resets the parser.
func (p *LineParser) Flush() []Event {
	if !p.pending {
		p.name = ""
		return nil
	}

	ev := Event{Name: p.name, Data: strings.Join(p.data, "\n")}
	p.name = ""
	p.data = p.data[:0]
	p.pending = false

	return []Event{ev}
}

// ParseBlock frames a complete block of text in one call.
func ParseBlock(block string) []Event {
	p := NewLineParser()
	var events []Event
	for _, line := range strings.Split(block, "\n") {
		events = append(events, p.FeedLine(line)...)
	}
	return append(events, p.Flush()...)
}

func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
