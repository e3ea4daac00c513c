package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/tidwall/sjson"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultVersion = "2023-06-01"
)

func init() {
	llm.Register(string(llm.Anthropic), NewAdapter)
}

type Adapter struct {
	config config.ProviderConfig
}

func NewAdapter(cfg config.ProviderConfig) (llm.Provider, error) {
	return &Adapter{config: cfg}, nil
}

func (a *Adapter) Name() string { return a.config.ID }
func (a *Adapter) Type() string { return string(llm.Anthropic) }

func (a *Adapter) BuildRequest(ctx context.Context, call llm.Call) (*http.Request, error) {
	body, err := sjson.SetBytes(call.Body, "model", call.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream", call.Stream); err != nil {
		return nil, fmt.Errorf("failed to set stream flag: %w", err)
	}

	base := call.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, llm.JoinURL(base, "messages"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	llm.SetCommonHeaders(req, call.Stream)
	req.Header.Set("x-api-key", call.APIKey)

	version := defaultVersion
	if v, ok := a.config.Config["version"]; ok && v != "" {
		version = v
	}
	req.Header.Set("anthropic-version", version)
	llm.CopyHeaders(req, call.Header, "anthropic-beta")
	if call.Header.Get("anthropic-version") != "" {
		req.Header.Set("anthropic-version", call.Header.Get("anthropic-version"))
	}

	return req, nil
}
