package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/tidwall/sjson"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	llm.Register(string(llm.OpenAI), NewAdapter)
}

type Adapter struct {
	config config.ProviderConfig
}

func NewAdapter(cfg config.ProviderConfig) (llm.Provider, error) {
	return &Adapter{config: cfg}, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return string(llm.OpenAI) }

// BuildRequest targets /chat/completions for the chat dialect and /responses
// for the cli dialect.
func (a *Adapter) BuildRequest(ctx context.Context, call llm.Call) (*http.Request, error) {
	body, err := sjson.SetBytes(call.Body, "model", call.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream", call.Stream); err != nil {
		return nil, fmt.Errorf("failed to set stream flag: %w", err)
	}

	path := "chat/completions"
	if call.Format.IsCLI() {
		path = "responses"
	} else if call.Stream {
		// usage only arrives in the final chunk when asked for
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, fmt.Errorf("failed to request stream usage: %w", err)
		}
	}

	base := call.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, llm.JoinURL(base, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	llm.SetCommonHeaders(req, call.Stream)
	req.Header.Set("Authorization", "Bearer "+call.APIKey)
	if org, ok := a.config.Config["organization"]; ok && org != "" {
		req.Header.Set("OpenAI-Organization", org)
	}
	llm.CopyHeaders(req, call.Header, "OpenAI-Beta")

	return req, nil
}
