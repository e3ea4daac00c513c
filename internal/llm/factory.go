package llm

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/httpclient"
)

type Factory func(cfg config.ProviderConfig) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

func Register(providerType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", providerType))
	}
	factories[providerType] = f
}

func Get(providerType string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[providerType]
	if !ok {
		return nil, fmt.Errorf("provider factory not found for type: %s", providerType)
	}
	return f, nil
}

// Types lists the registered provider types.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// JoinURL joins a base URL and a path with exactly one slash between them.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// SetCommonHeaders applies the headers every upstream request carries.
func SetCommonHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", httpclient.AcceptEncoding)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

// CopyHeaders copies the named client headers onto an upstream request.
func CopyHeaders(dst *http.Request, src http.Header, names ...string) {
	if src == nil {
		return
	}
	for _, name := range names {
		if v := src.Get(name); v != "" {
			dst.Header.Set(name, v)
		}
	}
}
