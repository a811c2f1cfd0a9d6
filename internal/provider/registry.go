package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/dialect"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
)

// Registry routes model names to providers. Lookup of an unknown name falls
// back to the configured default so clients can send arbitrary model ids at
// a single backend. Safe for concurrent use; Reload swaps the whole table.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*Provider
	defaultName string
}

// NewRegistry builds a registry from the providers section of the config.
// Rows that fail to build are logged and skipped rather than failing the
// whole registry.
func NewRegistry(cfg config.ProvidersConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider)}
	if err := r.load(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(cfg config.ProvidersConfig) error {
	table := make(map[string]*Provider, len(cfg.Registry))
	for _, row := range cfg.Registry {
		p, err := FromRow(row)
		if err != nil {
			slog.Warn("Skipping invalid provider row", "provider", row.Name, "error", err)
			continue
		}
		table[p.Name] = p
	}
	if len(table) == 0 {
		return percoErrors.InvalidInput("provider registry is empty")
	}

	defaultName := cfg.Default
	if _, ok := table[defaultName]; !ok {
		return percoErrors.InvalidInput(fmt.Sprintf("default provider %q is not registered", defaultName))
	}

	r.mu.Lock()
	r.providers = table
	r.defaultName = defaultName
	r.mu.Unlock()
	return nil
}

// Reload replaces the routing table from fresh configuration. On failure the
// previous table stays in effect.
func (r *Registry) Reload(cfg config.ProvidersConfig) error {
	return r.load(cfg)
}

// Lookup resolves a model name to its provider. Empty or unknown names route
// to the default provider.
func (r *Registry) Lookup(model string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model != "" {
		if p, ok := r.providers[model]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, percoErrors.NotFound(fmt.Sprintf("provider for model %q", model))
}

// Route resolves a provider with the dialect-detection precedence: an exact
// model match wins, then an explicit api_provider hint, then the model-name
// prefix (claude-* and gemini-*), then the configured default.
func (r *Registry) Route(model, explicitProvider string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model != "" {
		if p, ok := r.providers[model]; ok {
			return p, nil
		}
	}

	if explicitProvider != "" {
		if p, ok := r.providers[explicitProvider]; ok {
			return p, nil
		}
		if scheme, ok := dialect.ParseScheme(explicitProvider); ok {
			if p := r.firstBySchemeLocked(scheme); p != nil {
				return p, nil
			}
		}
	}

	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(name, "claude"):
		if p := r.firstBySchemeLocked(dialect.SchemeAnthropic); p != nil {
			return p, nil
		}
	case strings.HasPrefix(name, "gemini"):
		if p := r.firstBySchemeLocked(dialect.SchemeGoogle); p != nil {
			return p, nil
		}
	}

	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, percoErrors.NotFound(fmt.Sprintf("provider for model %q", model))
}

// firstBySchemeLocked returns the alphabetically first provider speaking the
// scheme. Callers hold the read lock.
func (r *Registry) firstBySchemeLocked(scheme dialect.Scheme) *Provider {
	names := make([]string, 0, len(r.providers))
	for name, p := range r.providers {
		if p.Scheme == scheme {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return r.providers[names[0]]
}

// Default returns the fallback provider.
func (r *Registry) Default() (*Provider, error) {
	return r.Lookup("")
}

// List returns all registered providers sorted by name.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultName returns the configured fallback model name.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}
