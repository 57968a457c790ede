// Package agent resolves agent names to their definitions. The registry
// resolver reads the per-org agents table; the static resolver serves a
// fixed set for tests and single-binary development setups.
package agent

import (
	"context"
	"errors"

	"github.com/codespin-ai/shaman/pkg/models"
)

// ErrNotFound means the org has no agent with the requested name.
var ErrNotFound = errors.New("agent not found")

// Resolver looks up agent definitions by name within an org. Names match
// verbatim; namespace-looking prefixes (myrepo/feature/agent) are plain
// name characters, not paths.
type Resolver interface {
	// Resolve returns the named agent's definition with defaults filled
	// in, or ErrNotFound.
	Resolve(ctx context.Context, orgID, name string) (*models.AgentDefinition, error)

	// List returns the org's agents, restricted to exposed ones when
	// exposedOnly is set. Used by the discovery endpoints.
	List(ctx context.Context, orgID string, exposedOnly bool) ([]*models.AgentDefinition, error)
}
