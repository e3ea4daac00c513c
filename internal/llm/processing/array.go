package processing

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ArrayParser extracts complete JSON objects from a streamed JSON array
// (Gemini's non-SSE streaming format). Objects may be split at any byte.
type ArrayParser struct {
	inArray  bool
	depth    int
	inString bool
	escaped  bool
	buf      []byte
}

func NewArrayParser() *ArrayParser {
	return &ArrayParser{}
}

// ParseChunk feeds the next slice of the response and returns every object
// completed by it, in order. Buffers that do not decode as JSON are dropped.
func (p *ArrayParser) ParseChunk(chunk []byte) [][]byte {
	var out [][]byte

	for _, c := range chunk {
		if p.depth == 0 {
			switch c {
			case '[':
				p.inArray = true
			case ']':
				p.inArray = false
			case '{':
				// Objects outside an array are accepted too; some relays send
				// a bare error object with a 200 status.
				p.depth = 1
				p.inString = false
				p.escaped = false
				p.buf = append(p.buf[:0], c)
			}
			continue
		}

		p.buf = append(p.buf, c)

		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth == 0 {
				if gjson.ValidBytes(p.buf) {
					out = append(out, append([]byte(nil), p.buf...))
				}
				p.buf = p.buf[:0]
			}
		}
	}

	return out
}

// InArray reports whether the parser is between the opening and closing
// bracket of the top-level array.
func (p *ArrayParser) InArray() bool {
	return p.inArray
}

// ParseArrayLine decodes one line that holds a whole array element, such as
// `[{...},` or `{...}]`. It returns nil when the line is not a complete object.
func ParseArrayLine(line string) []byte {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimPrefix(s, ",")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return nil
	}
	return []byte(s)
}
