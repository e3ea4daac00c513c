package relay

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/llm/processing"
	"github.com/tidwall/gjson"
)

// DefaultPrefetchLines bounds how many non-resolving lines are inspected
// before the stream is handed to the client.
const DefaultPrefetchLines = 5

type wireMode int

const (
	modeSSE wireMode = iota
	modeArray
	modeBuffered
)

func (m wireMode) String() string {
	switch m {
	case modeArray:
		return "json-array"
	case modeBuffered:
		return "buffered"
	default:
		return "sse"
	}
}

// detectMode decides how the upstream body is framed. Only Gemini answers
// with a bare JSON array, and only when SSE was not negotiated.
func detectMode(k format.Key, contentType string) wireMode {
	if k.Family() != format.FamilyGemini {
		return modeSSE
	}
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return modeSSE
	}
	return modeArray
}

// unitSource yields raw upstream units: lines with their terminator in SSE
// mode, network reads in array mode. The first read error is sticky.
type unitSource struct {
	r    *bufio.Reader
	mode wireMode
	buf  []byte
	err  error
}

func newUnitSource(r io.Reader, mode wireMode) *unitSource {
	return &unitSource{
		r:    bufio.NewReaderSize(r, 64*1024),
		mode: mode,
		buf:  make([]byte, 32*1024),
	}
}

func (s *unitSource) next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	var (
		unit []byte
		err  error
	)
	if s.mode == modeArray {
		var n int
		n, err = s.r.Read(s.buf)
		if n > 0 {
			unit = append([]byte(nil), s.buf[:n]...)
		}
	} else {
		unit, err = s.r.ReadBytes('\n')
	}

	if err != nil {
		s.err = err
		if len(unit) > 0 {
			return unit, nil
		}
		return nil, err
	}
	return unit, nil
}

// prefetch reads ahead until the stream proves clean or carries an error
// object. It returns the units read so they can be replayed. Read failures
// end prefetching quietly; the stream reports them once the replay is done.
func prefetch(src *unitSource, mode wireMode, parser format.Parser, budget, status int) ([][]byte, *AttemptError) {
	if budget <= 0 {
		budget = DefaultPrefetchLines
	}

	var (
		lines   [][]byte
		counted int
		scratch = processing.NewArrayParser()
	)

	for counted < budget {
		unit, err := src.next()
		if err != nil {
			return lines, nil
		}
		lines = append(lines, unit)

		var objects []gjson.Result
		switch mode {
		case modeArray:
			if len(bytes.TrimSpace(unit)) == 0 {
				continue
			}
			for _, raw := range scratch.ParseChunk(unit) {
				objects = append(objects, gjson.ParseBytes(raw))
			}
		default:
			payload, skip := prefetchPayload(unit)
			if skip {
				continue
			}
			if payload == processing.DoneMarker {
				return lines, nil
			}
			if ev := format.NewEvent("", payload); ev.Valid {
				objects = append(objects, ev.Object)
			}
		}

		for _, obj := range objects {
			if parser.IsErrorResponse(obj) {
				return nil, embeddedError(parser.ParseResponse(obj, status))
			}
		}
		if len(objects) > 0 {
			return lines, nil
		}
		counted++
	}
	return lines, nil
}

// prefetchPayload extracts the JSON candidate of one SSE line. Blank and
// comment lines are skipped without spending budget.
func prefetchPayload(unit []byte) (string, bool) {
	line := strings.TrimRight(string(unit), "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return "", true
	}
	if strings.HasPrefix(line, "data:") {
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), false
	}
	// raw JSON lines from relays that drop SSE framing
	return trimmed, false
}
