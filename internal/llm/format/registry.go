package format

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/tidwall/sjson"
)

// Registry maps format keys to parsers. It is populated explicitly at startup.
type Registry struct {
	mu      sync.RWMutex
	parsers map[Key]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[Key]Parser)}
}

// NewDefaultRegistry returns a registry holding every built-in format.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ClaudeChat, ClaudeParser{})
	r.Register(ClaudeCLI, ClaudeParser{})
	r.Register(OpenAIChat, OpenAIParser{})
	r.Register(OpenAICLI, OpenAIParser{})
	r.Register(GeminiChat, GeminiParser{})
	r.Register(GeminiCLI, GeminiParser{})
	return r
}

// Register binds a parser to a key. Registering a key twice panics.
func (r *Registry) Register(k Key, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parsers[k]; exists {
		panic(fmt.Sprintf("format parser %s already registered", k))
	}
	r.parsers[k] = p
}

func (r *Registry) Lookup(k Key) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[k]
	if !ok {
		return nil, fmt.Errorf("no response parser registered for format %q", k)
	}
	return p, nil
}

func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.parsers))
	for k := range r.parsers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// RenderError renders an error body for a client speaking format k. Unknown
// formats get a minimal {"error":{...}} body.
func (r *Registry) RenderError(k Key, status int, errType, message string) []byte {
	if p, err := r.Lookup(k); err == nil {
		return p.RenderError(status, errType, message)
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "error.message", message)
	body, _ = sjson.SetBytes(body, "error.type", errType)
	body, _ = sjson.SetBytes(body, "error.code", status)
	return body
}

// errorTypeForStatus picks a generic error type when none is known.
func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
