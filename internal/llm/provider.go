package llm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/nulzo/streamrelay/internal/llm/format"
)

type ProviderName string

const (
	OpenAI    ProviderName = "openai"
	Anthropic ProviderName = "anthropic"
	Google    ProviderName = "google"
)

// Call is everything an adapter needs to build one upstream request.
type Call struct {
	BaseURL string
	APIKey  string
	Model   string
	Format  format.Key
	Body    []byte
	Stream  bool
	// Header and Query carry client values an adapter may pass through.
	Header http.Header
	Query  url.Values
}

// Provider turns a Call into an upstream HTTP request in its own wire format.
// Adapters never perform I/O themselves.
type Provider interface {
	Name() string
	Type() string
	BuildRequest(ctx context.Context, call Call) (*http.Request, error)
}
