package google

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/tidwall/sjson"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultCLIBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"
)

func init() {
	llm.Register(string(llm.Google), NewAdapter)
}

type Adapter struct {
	config config.ProviderConfig
}

func NewAdapter(cfg config.ProviderConfig) (llm.Provider, error) {
	return &Adapter{config: cfg}, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return string(llm.Google) }

// BuildRequest picks the generateContent action from the stream flag. The
// cli dialect wraps the body in the Code Assist envelope.
func (a *Adapter) BuildRequest(ctx context.Context, call llm.Call) (*http.Request, error) {
	action := "generateContent"
	if call.Stream {
		action = "streamGenerateContent"
	}

	var (
		endpoint string
		body     = call.Body
		err      error
	)

	if call.Format.IsCLI() {
		base := call.BaseURL
		if base == "" {
			base = defaultCLIBaseURL
		}
		endpoint = fmt.Sprintf("%s:%s", base, action)
		body, err = wrapEnvelope(call.Model, call.Body)
	} else {
		base := call.BaseURL
		if base == "" {
			base = defaultBaseURL
		}
		endpoint = llm.JoinURL(base, fmt.Sprintf("models/%s:%s", url.PathEscape(call.Model), action))
		// the model lives in the URL; a stray body field confuses the API
		body, err = sjson.DeleteBytes(body, "model")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to prepare body: %w", err)
	}

	q := url.Values{}
	if call.Stream && a.wantSSE(call) {
		q.Set("alt", "sse")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	llm.SetCommonHeaders(req, call.Stream)
	if call.Format.IsCLI() {
		req.Header.Set("Authorization", "Bearer "+call.APIKey)
	} else {
		req.Header.Set("x-goog-api-key", call.APIKey)
	}

	return req, nil
}

// wantSSE reports whether the upstream should stream SSE instead of the JSON
// array format. The cli dialect always uses SSE.
func (a *Adapter) wantSSE(call llm.Call) bool {
	if call.Format.IsCLI() {
		return true
	}
	if call.Query.Get("alt") == "sse" {
		return true
	}
	return a.config.Config["stream_format"] == "sse"
}

func wrapEnvelope(model string, body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte(`{}`)
	}
	out, err := sjson.SetBytes([]byte(`{}`), "model", model)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "request", body)
}
