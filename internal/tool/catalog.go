package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	percoErrors "github.com/percolation-labs/percolate/internal/errors"
)

// Catalog is the process-wide tool registry. It is append-only: specs are
// registered at bootstrap (and by explicit reload) and never mutated, so
// lookups on the hot path need only a read lock.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]Spec)}
}

// Register adds a spec to the catalog. Registration is idempotent on key:
// re-registering an existing key is a no-op.
func (c *Catalog) Register(spec Spec) error {
	key := strings.TrimSpace(spec.Key)
	if key == "" {
		return percoErrors.InvalidInput("tool spec requires a key")
	}
	if spec.HTTP == nil && spec.Native == nil {
		return percoErrors.InvalidInput(fmt.Sprintf("tool %s has no invocation binding", key))
	}
	spec.Key = key

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[key]; exists {
		return nil
	}
	c.specs[key] = spec
	return nil
}

// Lookup resolves a tool name to its spec. Exact match wins; failing that,
// namespaced names resolve by `_`-separated suffix in either direction, so a
// model calling "weather_get_forecast" reaches a spec registered as
// "get_forecast" and vice versa. Suffix resolution scans keys in sorted
// order, making ambiguous matches deterministic.
func (c *Catalog) Lookup(name string) (Spec, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Spec{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if spec, ok := c.specs[name]; ok {
		return spec, true
	}

	keys := make([]string, 0, len(c.specs))
	for key := range c.specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.HasSuffix(name, "_"+key) || strings.HasSuffix(key, "_"+name) {
			return c.specs[key], true
		}
	}
	return Spec{}, false
}

// List returns specs sorted by key. A nil filter exposes the whole catalog;
// otherwise only the named keys are returned. Policy about what a request
// may see is the caller's concern.
func (c *Catalog) List(allowed []string) []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Spec
	if allowed == nil {
		for _, spec := range c.specs {
			out = append(out, spec)
		}
	} else {
		for _, name := range allowed {
			if spec, ok := c.specs[strings.TrimSpace(name)]; ok {
				out = append(out, spec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len reports the number of registered specs.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}
