package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/codespin-ai/shaman/pkg/models"
)

// StaticResolver serves a fixed set of definitions held in memory. The
// same set is visible to every org. Used by tests and by dev setups that
// declare agents in code instead of the registry.
type StaticResolver struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentDefinition
}

// NewStaticResolver returns a resolver preloaded with defs. Definitions
// are normalized on the way in.
func NewStaticResolver(defs ...*models.AgentDefinition) *StaticResolver {
	r := &StaticResolver{agents: make(map[string]*models.AgentDefinition, len(defs))}
	for _, def := range defs {
		r.Add(def)
	}
	return r
}

// Add registers or replaces a definition.
func (r *StaticResolver) Add(def *models.AgentDefinition) {
	def.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.Name] = def
}

func (r *StaticResolver) Resolve(_ context.Context, _ string, name string) (*models.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	copied := *def
	return &copied, nil
}

func (r *StaticResolver) List(_ context.Context, _ string, exposedOnly bool) ([]*models.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*models.AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		if exposedOnly && !def.Exposed {
			continue
		}
		copied := *def
		defs = append(defs, &copied)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
