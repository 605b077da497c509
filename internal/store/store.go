// Package store defines the persistence contract for the five entity tables
// and provides Postgres and in-memory implementations.
package store

import (
	"context"
	"errors"

	"github.com/aims-io/aims/pkg/types"
)

// Sentinel errors every backend maps its failures onto. Anything else
// surfacing from a backend is treated as an internal error by callers.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// AgentFilter narrows ListAgents. Empty fields match everything.
type AgentFilter struct {
	Status    string
	Owner     string
	AgentType string
}

// AuditFilter narrows QueryAudit. Date bounds are inclusive and compared as
// canonical timestamp strings.
type AuditFilter struct {
	AgentID      string
	Action       string
	ResourceType string
	StartDate    string
	EndDate      string
	Limit        int
	Offset       int
}

// Store is the transactional façade over the five entity tables. Multi-row
// mutations (agent revoke cascade, key rotation) are single atomic
// operations in every backend.
type Store interface {
	// Agents. Name uniqueness surfaces as ErrConflict.
	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*types.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error)
	UpdateAgent(ctx context.Context, agent *types.Agent) error
	// DeleteAgent removes the row; keys and grants cascade away with it.
	DeleteAgent(ctx context.Context, id string) error
	// RevokeAgentCascade marks the agent revoked and every one of its
	// active keys revoked, all in one transaction. Returns the updated agent.
	RevokeAgentCascade(ctx context.Context, id string, now string) (*types.Agent, error)

	// API keys. key_hash is the lookup index for token exchange.
	CreateKey(ctx context.Context, key *types.APIKey) error
	GetKey(ctx context.Context, id string) (*types.APIKey, error)
	GetKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error)
	ListKeys(ctx context.Context, agentID string) ([]*types.APIKey, error)
	UpdateKey(ctx context.Context, key *types.APIKey) error
	// RotateKey persists the rotated source key and inserts its replacement
	// in one transaction.
	RotateKey(ctx context.Context, oldKey, newKey *types.APIKey) error

	// Capabilities. Name uniqueness surfaces as ErrConflict.
	CreateCapability(ctx context.Context, cap *types.Capability) error
	GetCapability(ctx context.Context, id string) (*types.Capability, error)
	GetCapabilityByName(ctx context.Context, name string) (*types.Capability, error)
	ListCapabilities(ctx context.Context) ([]*types.Capability, error)

	// Grants. The (agent_id, capability_id) pair is unique.
	CreateGrant(ctx context.Context, grant *types.AgentCapability) error
	GetGrant(ctx context.Context, agentID, capabilityID string) (*types.AgentCapability, error)
	DeleteGrant(ctx context.Context, agentID, capabilityID string) error
	// ListAgentScopes returns the capability names granted to an agent,
	// i.e. the agent_capabilities ⨝ capabilities join.
	ListAgentScopes(ctx context.Context, agentID string) ([]string, error)

	// Audit. Append-only: there is deliberately no update or delete.
	AppendAudit(ctx context.Context, entry *types.AuditLog) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*types.AuditLog, error)

	Close() error
}
