package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/relay"
)

// ProviderRegistrar accepts instantiated providers during bootstrap.
type ProviderRegistrar interface {
	RegisterProvider(ctx context.Context, cfg config.ProviderConfig, p llm.Provider) error
}

type providerEntry struct {
	cfg     config.ProviderConfig
	adapter llm.Provider
	order   int
}

// registry is a private helper struct holding providers and model routes.
// It is thread-safe.
type registry struct {
	mu        sync.RWMutex
	providers map[string]providerEntry
	routes    map[string][]config.ModelRoute
}

func newRegistry() *registry {
	return &registry{
		providers: make(map[string]providerEntry),
		routes:    make(map[string][]config.ModelRoute),
	}
}

func (r *registry) RegisterProvider(ctx context.Context, cfg config.ProviderConfig, p llm.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[cfg.ID]; exists {
		return fmt.Errorf("provider %s already registered", cfg.ID)
	}
	r.providers[cfg.ID] = providerEntry{cfg: cfg, adapter: p, order: len(r.providers)}
	return nil
}

func (r *registry) setRoutes(models []config.ModelRoute) {
	routes := make(map[string][]config.ModelRoute)
	for _, m := range models {
		routes[m.ID] = append(routes[m.ID], m)
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
}

func (r *registry) providerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// resolve expands a model into ordered targets: providers by priority, then
// endpoints of the client's format family (exact dialect first), then enabled
// keys in config order.
func (r *registry) resolve(modelID string, clientFormat format.Key) ([]relay.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes, ok := r.routes[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, modelID)
	}

	type routed struct {
		route config.ModelRoute
		entry providerEntry
	}
	var active []routed
	for _, route := range routes {
		if entry, ok := r.providers[route.ProviderID]; ok {
			active = append(active, routed{route: route, entry: entry})
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].entry.cfg.Priority > active[j].entry.cfg.Priority
	})

	var targets []relay.Target
	for _, rt := range active {
		upstream := rt.route.UpstreamID
		if upstream == "" {
			upstream = modelID
		}

		endpoints := make([]config.EndpointConfig, 0, len(rt.entry.cfg.Endpoints))
		for _, ep := range rt.entry.cfg.Endpoints {
			if format.Key(ep.APIFormat).Family() == clientFormat.Family() {
				endpoints = append(endpoints, ep)
			}
		}
		sort.SliceStable(endpoints, func(i, j int) bool {
			return format.Key(endpoints[i].APIFormat) == clientFormat && format.Key(endpoints[j].APIFormat) != clientFormat
		})

		name := rt.entry.cfg.Name
		if name == "" {
			name = rt.entry.cfg.ID
		}

		for _, ep := range endpoints {
			for _, key := range ep.Keys {
				if !key.IsEnabled() {
					continue
				}
				targets = append(targets, relay.Target{
					ProviderID:    rt.entry.cfg.ID,
					ProviderName:  name,
					ProviderType:  rt.entry.cfg.Type,
					EndpointID:    ep.ID,
					APIFormat:     format.Key(ep.APIFormat),
					BaseURL:       ep.BaseURL,
					KeyID:         key.ID,
					APIKey:        key.APIKey,
					UpstreamModel: upstream,
					Provider:      rt.entry.adapter,
				})
			}
		}
	}
	return targets, nil
}
