package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
)

// RegistryResolver serves definitions from the org-scoped agents table.
type RegistryResolver struct {
	agents *store.AgentService
}

// NewRegistryResolver returns a resolver over the given agent service.
func NewRegistryResolver(agents *store.AgentService) *RegistryResolver {
	return &RegistryResolver{agents: agents}
}

func (r *RegistryResolver) Resolve(ctx context.Context, orgID, name string) (*models.AgentDefinition, error) {
	def, err := r.agents.GetByName(ctx, orgID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to resolve agent %q: %w", name, err)
	}
	def.Normalize()
	return def, nil
}

func (r *RegistryResolver) List(ctx context.Context, orgID string, exposedOnly bool) ([]*models.AgentDefinition, error) {
	defs, err := r.agents.List(ctx, orgID, exposedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	for _, def := range defs {
		def.Normalize()
	}
	return defs, nil
}
