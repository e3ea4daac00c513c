package format

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func obj(s string) gjson.Result {
	return gjson.Parse(s)
}

func TestKey_Family(t *testing.T) {
	assert.Equal(t, FamilyClaude, ClaudeCLI.Family())
	assert.Equal(t, "cli", ClaudeCLI.Dialect())
	assert.True(t, GeminiCLI.IsCLI())
	assert.False(t, OpenAIChat.IsCLI())
	assert.Equal(t, FamilyOpenAI, Key("OpenAI:chat").Family())
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("ping", `{"type":"ping"}`)
	assert.True(t, ev.Valid)
	assert.Equal(t, "ping", ev.Object.Get("type").String())

	assert.False(t, NewEvent("", "[DONE]").Valid)
	assert.False(t, NewEvent("", `[1,2]`).Valid)
	assert.False(t, NewEvent("", `{"broken":`).Valid)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	for _, k := range []Key{ClaudeChat, ClaudeCLI, OpenAIChat, OpenAICLI, GeminiChat, GeminiCLI} {
		p, err := r.Lookup(k)
		require.NoError(t, err, k)
		assert.NotNil(t, p)
	}
	assert.Len(t, r.Keys(), 6)

	_, err := r.Lookup("mistral:chat")
	assert.Error(t, err)

	assert.Panics(t, func() { r.Register(ClaudeChat, ClaudeParser{}) })
}

func TestRegistry_RenderError(t *testing.T) {
	r := NewDefaultRegistry()

	claude := obj(string(r.RenderError(ClaudeCLI, 429, "", "slow down")))
	assert.Equal(t, "error", claude.Get("type").String())
	assert.Equal(t, "rate_limit_error", claude.Get("error.type").String())
	assert.Equal(t, "slow down", claude.Get("error.message").String())

	openai := obj(string(r.RenderError(OpenAIChat, 503, "api_error", "down")))
	assert.Equal(t, "down", openai.Get("error.message").String())
	assert.Equal(t, int64(503), openai.Get("error.code").Int())

	gemini := obj(string(r.RenderError(GeminiChat, 429, "", "quota")))
	assert.Equal(t, "RESOURCE_EXHAUSTED", gemini.Get("error.status").String())
	assert.Equal(t, int64(429), gemini.Get("error.code").Int())

	unknown := obj(string(r.RenderError("other:chat", 500, "x", "boom")))
	assert.Equal(t, "boom", unknown.Get("error.message").String())
}

func TestClaudeParser(t *testing.T) {
	p := ClaudeParser{}

	start := obj(`{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":4}}}`)
	u, ok := p.ExtractUsage(start)
	require.True(t, ok)
	assert.Equal(t, 12, u.InputTokens)
	assert.Equal(t, 1, u.OutputTokens)
	assert.Equal(t, 4, u.CachedTokens)
	assert.False(t, u.Has(HasCacheCreation))
	assert.Equal(t, map[string]string{"message_id": "msg_1", "model": "claude-x"}, p.ExtractMetadata(start))

	delta := obj(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":0,"output_tokens":3}}`)
	u, ok = p.ExtractUsage(delta)
	require.True(t, ok)
	assert.False(t, u.Has(HasInput))
	assert.Equal(t, 3, u.OutputTokens)
	assert.Equal(t, "end_turn", p.ExtractMetadata(delta)["stop_reason"])

	text, ok := p.ExtractText(obj(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`))
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	_, ok = p.ExtractText(obj(`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`))
	assert.False(t, ok)

	text, ok = p.ExtractText(obj(`{"type":"message","content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}`))
	assert.True(t, ok)
	assert.Equal(t, "ab", text)

	assert.True(t, p.IsCompletion(NewEvent("message_stop", `{"type":"message_stop"}`)))
	assert.True(t, p.IsCompletion(NewEvent("", `{"type":"message_stop"}`)))
	assert.False(t, p.IsCompletion(NewEvent("ping", `{"type":"ping"}`)))

	_, ok = p.ExtractUsage(obj(`{"type":"ping"}`))
	assert.False(t, ok)
}

func TestClaudeParser_Errors(t *testing.T) {
	p := ClaudeParser{}

	overloaded := obj(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	require.True(t, p.IsErrorResponse(overloaded))
	pe := p.ParseResponse(overloaded, http.StatusOK)
	assert.Equal(t, "overloaded_error", pe.Type)
	assert.Equal(t, "Overloaded", pe.Message)
	assert.Equal(t, 529, pe.StatusCode)

	unknown := p.ParseResponse(obj(`{"error":{"message":"weird"}}`), http.StatusOK)
	assert.Equal(t, "api_error", unknown.Type)
	assert.Equal(t, http.StatusBadGateway, unknown.StatusCode)

	assert.False(t, p.IsErrorResponse(obj(`{"type":"message_start"}`)))
}

func TestOpenAIParser_Chat(t *testing.T) {
	p := OpenAIParser{}

	chunk := obj(`{"id":"c1","model":"gpt","choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`)
	text, ok := p.ExtractText(chunk)
	assert.True(t, ok)
	assert.Equal(t, "Hel", text)
	assert.False(t, p.IsCompletion(NewEvent("", chunk.Raw)))
	_, ok = p.ExtractUsage(chunk)
	assert.False(t, ok)

	final := obj(`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`)
	assert.True(t, p.IsCompletion(NewEvent("", final.Raw)))
	assert.Equal(t, "stop", p.ExtractMetadata(final)["finish_reason"])

	usage := obj(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12,"prompt_tokens_details":{"cached_tokens":2}}}`)
	u, ok := p.ExtractUsage(usage)
	require.True(t, ok)
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 12, CachedTokens: 2, Fields: HasInput | HasOutput | HasCached}, u)

	assert.True(t, p.IsCompletion(NewEvent("", "[DONE]")))

	text, ok = p.ExtractText(obj(`{"choices":[{"message":{"role":"assistant","content":"Hello there!"}}]}`))
	assert.True(t, ok)
	assert.Equal(t, "Hello there!", text)
}

func TestOpenAIParser_Responses(t *testing.T) {
	p := OpenAIParser{}

	text, ok := p.ExtractText(obj(`{"type":"response.output_text.delta","delta":"yo"}`))
	assert.True(t, ok)
	assert.Equal(t, "yo", text)

	completed := obj(`{"type":"response.completed","response":{"id":"r1","model":"o4","usage":{"input_tokens":5,"output_tokens":7,"input_tokens_details":{"cached_tokens":1}}}}`)
	assert.True(t, p.IsCompletion(NewEvent("response.completed", completed.Raw)))
	u, ok := p.ExtractUsage(completed)
	require.True(t, ok)
	assert.Equal(t, 5, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 1, u.CachedTokens)
	assert.Equal(t, "r1", p.ExtractMetadata(completed)["response_id"])

	failed := obj(`{"type":"response.failed","response":{"error":{"code":"rate_limit_exceeded","message":"slow"}}}`)
	require.True(t, p.IsErrorResponse(failed))
	pe := p.ParseResponse(failed, 200)
	assert.Equal(t, "rate_limit_exceeded", pe.Type)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

func TestOpenAIParser_Errors(t *testing.T) {
	p := OpenAIParser{}

	e := obj(`{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	require.True(t, p.IsErrorResponse(e))
	pe := p.ParseResponse(e, http.StatusOK)
	assert.Equal(t, "invalid_request_error", pe.Type)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)

	assert.False(t, p.IsErrorResponse(obj(`{"error":null,"choices":[]}`)))
	assert.True(t, p.IsErrorResponse(obj(`{"error":"boom"}`)))
	assert.Equal(t, "boom", p.ParseResponse(obj(`{"error":"boom"}`), 500).Message)
}

func TestGeminiParser(t *testing.T) {
	p := GeminiParser{}

	tests := []struct {
		name    string
		body    string
		done    bool
		isErr   bool
		usage   *Usage
		text    string
		hasText bool
	}{
		{
			name:    "Text chunk",
			body:    `{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]}}]}`,
			text:    "ab",
			hasText: true,
		},
		{
			name: "Unspecified finish reason is not done",
			body: `{"candidates":[{"finishReason":"FINISH_REASON_UNSPECIFIED"}]}`,
		},
		{
			name: "Any finish reason on any candidate",
			body: `{"candidates":[{},{"finishReason":"MAX_TOKENS"}]}`,
			done: true,
		},
		{
			name: "Usage without total is ignored",
			body: `{"usageMetadata":{"promptTokenCount":3}}`,
		},
		{
			name:  "Usage with thoughts",
			body:  `{"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"thoughtsTokenCount":5,"cachedContentTokenCount":1,"totalTokenCount":13}}`,
			usage: &Usage{InputTokens: 3, OutputTokens: 9, CachedTokens: 1, Fields: HasInput | HasOutput | HasCached},
		},
		{
			name:  "Top level error",
			body:  `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
			isErr: true,
		},
		{
			name:  "Chunk error",
			body:  `{"chunks":[{"text":"x"},{"error":{"message":"bad"}}]}`,
			isErr: true,
		},
		{
			name:    "Code Assist envelope",
			body:    `{"response":{"candidates":[{"content":{"parts":[{"text":"z"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}`,
			done:    true,
			text:    "z",
			hasText: true,
			usage:   &Usage{InputTokens: 1, OutputTokens: 2, Fields: HasInput | HasOutput},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := obj(tt.body)
			assert.Equal(t, tt.done, p.IsCompletion(NewEvent("", tt.body)))
			assert.Equal(t, tt.isErr, p.IsErrorResponse(o))

			u, ok := p.ExtractUsage(o)
			if tt.usage == nil {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, *tt.usage, u)
			}

			text, ok := p.ExtractText(o)
			assert.Equal(t, tt.hasText, ok)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestGeminiParser_ParseResponse(t *testing.T) {
	p := GeminiParser{}

	pe := p.ParseResponse(obj(`{"error":{"code":429,"message":"quota"}}`), http.StatusOK)
	assert.Equal(t, "quota", pe.Message)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, "RESOURCE_EXHAUSTED", pe.Type)

	pe = p.ParseResponse(obj(`{"chunks":[{"error":{"message":"bad","status":"INVALID_ARGUMENT"}}]}`), http.StatusOK)
	assert.Equal(t, "bad", pe.Message)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
}
