// Package registry tracks agent presence on the bus: a shared set of agent
// ids plus a per-agent info map. Liveness is advisory; nothing evicts
// entries.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// Registry is the shared presence set. It is safe for concurrent use; all
// state lives in the broker.
type Registry struct {
	client  broker.Client
	builder *keys.Builder
	logger  observability.Logger
}

// New creates a Registry over the given broker client.
func New(client broker.Client, builder *keys.Builder, logger observability.Logger) *Registry {
	if builder == nil {
		builder = keys.NewBuilder("")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{
		client:  client,
		builder: builder,
		logger:  logger,
	}
}

// Register adds the agent to the presence set, reporting whether it was
// newly added. On first registration the info map is written with
// registered_at plus any caller metadata; re-registering an agent leaves
// its original info untouched.
func (r *Registry) Register(ctx context.Context, agentID string, metadata map[string]string) (bool, error) {
	if agentID == "" {
		return false, fmt.Errorf("agent id is required")
	}

	added, err := r.client.SetAdd(ctx, r.builder.RegistryAgents(), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to register agent %s: %w", agentID, err)
	}
	if !added {
		return false, nil
	}

	info := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		info[k] = v
	}
	info["registered_at"] = strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)

	if err := r.client.MapSet(ctx, r.builder.RegistryInfo(agentID), info); err != nil {
		return true, fmt.Errorf("failed to write info for agent %s: %w", agentID, err)
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id": agentID,
	})
	return true, nil
}

// Unregister removes the agent from the presence set and deletes its info
// map. Unregistering an unknown agent is a no-op.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	if err := r.client.SetRemove(ctx, r.builder.RegistryAgents(), agentID); err != nil {
		return fmt.Errorf("failed to unregister agent %s: %w", agentID, err)
	}
	if err := r.client.MapDelete(ctx, r.builder.RegistryInfo(agentID)); err != nil {
		return fmt.Errorf("failed to delete info for agent %s: %w", agentID, err)
	}

	r.logger.Info("Agent unregistered", map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// IsRegistered reports whether the agent is in the presence set.
func (r *Registry) IsRegistered(ctx context.Context, agentID string) (bool, error) {
	ok, err := r.client.SetContains(ctx, r.builder.RegistryAgents(), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to check agent %s: %w", agentID, err)
	}
	return ok, nil
}

// List returns every registered agent id.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	agents, err := r.client.SetMembers(ctx, r.builder.RegistryAgents())
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// Info returns the agent's info map. An unregistered agent yields an empty
// map.
func (r *Registry) Info(ctx context.Context, agentID string) (map[string]string, error) {
	info, err := r.client.MapGet(ctx, r.builder.RegistryInfo(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read info for agent %s: %w", agentID, err)
	}
	return info, nil
}
