// Package format interprets upstream responses in each supported wire format.
// Every parser is a pure function set over one decoded JSON object; nothing
// outside this package knows format-specific field names.
package format

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Key identifies a wire format as "<family>:<dialect>", e.g. "claude:cli".
type Key string

const (
	ClaudeChat Key = "claude:chat"
	ClaudeCLI  Key = "claude:cli"
	OpenAIChat Key = "openai:chat"
	OpenAICLI  Key = "openai:cli"
	GeminiChat Key = "gemini:chat"
	GeminiCLI  Key = "gemini:cli"
)

const (
	FamilyClaude = "claude"
	FamilyOpenAI = "openai"
	FamilyGemini = "gemini"
)

func (k Key) Family() string {
	family, _, _ := strings.Cut(string(k), ":")
	return strings.ToLower(family)
}

func (k Key) Dialect() string {
	_, dialect, _ := strings.Cut(string(k), ":")
	return strings.ToLower(dialect)
}

func (k Key) IsCLI() bool {
	return k.Dialect() == "cli"
}

// UsageField marks which counters a usage block actually carried.
type UsageField uint8

const (
	HasInput UsageField = 1 << iota
	HasOutput
	HasCached
	HasCacheCreation
)

// Usage is the token usage reported by a single upstream event. Values are
// cumulative: a later block replaces earlier values for the fields it carries.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	CacheCreationTokens int
	Fields              UsageField
}

func (u Usage) Has(f UsageField) bool {
	return u.Fields&f != 0
}

func (u *Usage) setInput(n int64) {
	u.InputTokens = clamp(n)
	u.Fields |= HasInput
}

func (u *Usage) setOutput(n int64) {
	u.OutputTokens = clamp(n)
	u.Fields |= HasOutput
}

func (u *Usage) setCached(n int64) {
	u.CachedTokens = clamp(n)
	u.Fields |= HasCached
}

func (u *Usage) setCacheCreation(n int64) {
	u.CacheCreationTokens = clamp(n)
	u.Fields |= HasCacheCreation
}

// ParsedError is the normalised form of an upstream error payload.
type ParsedError struct {
	Type       string
	Message    string
	StatusCode int
}

// Event is one decoded upstream event handed to a Parser. Object is only
// meaningful when Valid is true.
type Event struct {
	Name   string
	Data   string
	Object gjson.Result
	Valid  bool
}

// NewEvent decodes data into an Event. Non-object payloads are kept raw.
func NewEvent(name, data string) Event {
	ev := Event{Name: name, Data: data}
	if gjson.Valid(data) {
		obj := gjson.Parse(data)
		if obj.IsObject() {
			ev.Object = obj
			ev.Valid = true
		}
	}
	return ev
}

// Parser answers format-specific questions about one upstream JSON object.
type Parser interface {
	IsErrorResponse(obj gjson.Result) bool
	// ParseResponse is only meaningful when IsErrorResponse is true.
	ParseResponse(obj gjson.Result, status int) ParsedError
	ExtractUsage(obj gjson.Result) (Usage, bool)
	ExtractText(obj gjson.Result) (string, bool)
	IsCompletion(ev Event) bool
	ExtractMetadata(obj gjson.Result) map[string]string
	// RenderError builds an error body in this format for clients that speak it.
	RenderError(status int, errType, message string) []byte
}

func clamp(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}

func putIfSet(m map[string]string, key string, r gjson.Result) {
	if r.Exists() && r.String() != "" {
		m[key] = r.String()
	}
}
