package google_test

import (
	"context"
	"io"
	"net/url"
	"testing"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/llm/google"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name     string
		cfg      map[string]string
		call     llm.Call
		wantURL  string
		wantAuth string
	}{
		{
			name: "Array stream by default",
			call: llm.Call{Model: "gemini-2.5-pro", Format: format.GeminiChat, Stream: true},
			wantURL: "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:streamGenerateContent",
		},
		{
			name:    "Client asked for SSE",
			call:    llm.Call{Model: "gemini-2.5-pro", Format: format.GeminiChat, Stream: true, Query: url.Values{"alt": []string{"sse"}}},
			wantURL: "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
		},
		{
			name:    "Provider forces SSE",
			cfg:     map[string]string{"stream_format": "sse"},
			call:    llm.Call{BaseURL: "http://relay.local/v1beta/", Model: "gemini-flash", Format: format.GeminiChat, Stream: true},
			wantURL: "http://relay.local/v1beta/models/gemini-flash:streamGenerateContent?alt=sse",
		},
		{
			name:    "Buffered",
			call:    llm.Call{Model: "gemini-flash", Format: format.GeminiChat},
			wantURL: "https://generativelanguage.googleapis.com/v1beta/models/gemini-flash:generateContent",
		},
		{
			name:     "Code Assist",
			call:     llm.Call{Model: "gemini-2.5-pro", Format: format.GeminiCLI, Stream: true},
			wantURL:  "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
			wantAuth: "Bearer secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := google.NewAdapter(config.ProviderConfig{ID: "google", Config: tt.cfg})
			require.NoError(t, err)

			tt.call.APIKey = "secret"
			tt.call.Body = []byte(`{"model":"ignored","contents":[{"parts":[{"text":"hi"}]}]}`)

			req, err := adapter.BuildRequest(context.Background(), tt.call)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, req.URL.String())

			if tt.wantAuth != "" {
				assert.Equal(t, tt.wantAuth, req.Header.Get("Authorization"))
			} else {
				assert.Equal(t, "secret", req.Header.Get("x-goog-api-key"))
			}
		})
	}
}

func TestBuildRequest_Envelope(t *testing.T) {
	adapter, _ := google.NewAdapter(config.ProviderConfig{ID: "google"})

	req, err := adapter.BuildRequest(context.Background(), llm.Call{
		Model:  "gemini-2.5-pro",
		Format: format.GeminiCLI,
		Body:   []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`),
		Stream: true,
	})
	require.NoError(t, err)

	body, _ := io.ReadAll(req.Body)
	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "hi", gjson.GetBytes(body, "request.contents.0.parts.0.text").String())
}

func TestBuildRequest_DropsBodyModel(t *testing.T) {
	adapter, _ := google.NewAdapter(config.ProviderConfig{ID: "google"})

	req, err := adapter.BuildRequest(context.Background(), llm.Call{
		Model:  "gemini-flash",
		Format: format.GeminiChat,
		Body:   []byte(`{"model":"x","contents":[]}`),
	})
	require.NoError(t, err)

	body, _ := io.ReadAll(req.Body)
	assert.False(t, gjson.GetBytes(body, "model").Exists())
}
