package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/dialect"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
)

// Agent is a pre-registered persona: a system prompt, a model binding, and
// the subset of catalog tools it may call.
type Agent struct {
	Name          string
	SystemPrompt  string
	Model         string
	Tools         []string
	MaxIterations int
}

// Registry holds the agents declared in configuration. Read-mostly; Reload
// swaps the whole table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewAgentRegistry(rows []config.AgentConfig) *Registry {
	r := &Registry{}
	r.load(rows)
	return r
}

func (r *Registry) load(rows []config.AgentConfig) {
	table := make(map[string]Agent, len(rows))
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" {
			continue
		}
		table[name] = Agent{
			Name:          name,
			SystemPrompt:  row.SystemPrompt,
			Model:         row.Model,
			Tools:         row.Tools,
			MaxIterations: row.MaxIterations,
		}
	}
	r.mu.Lock()
	r.agents = table
	r.mu.Unlock()
}

// Reload replaces the agent table from fresh configuration.
func (r *Registry) Reload(rows []config.AgentConfig) {
	r.load(rows)
}

// Get resolves an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[strings.TrimSpace(name)]
	if !ok {
		return Agent{}, percoErrors.NotFound(fmt.Sprintf("agent %q", name))
	}
	return agent, nil
}

// Names lists registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallingContext carries the per-request parameters of one run. It is
// created by the proxy and immutable for the run's duration; cancellation
// travels on the request context.
type CallingContext struct {
	SessionID        string
	UserID           string
	ModelName        string
	MaxIterations    int
	PrefersStreaming bool
}

// NewCallingContext fills in a minted session id when the client supplied
// none.
func NewCallingContext(sessionID, userID, model string, streaming bool) CallingContext {
	if sessionID == "" {
		sessionID = dialect.NewID("sess")
	}
	return CallingContext{
		SessionID:        sessionID,
		UserID:           userID,
		ModelName:        model,
		PrefersStreaming: streaming,
	}
}
