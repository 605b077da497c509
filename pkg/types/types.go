// Package types defines the entities managed by the identity service.
package types

// Agent status constants
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
	AgentStatusRevoked   = "revoked"
)

// Agent type constants
const (
	AgentTypeLLM          = "llm"
	AgentTypeTool         = "tool"
	AgentTypeOrchestrator = "orchestrator"
	AgentTypeCustom       = "custom"
)

// API key status constants
const (
	KeyStatusActive  = "active"
	KeyStatusRotated = "rotated"
	KeyStatusRevoked = "revoked"
)

// CapabilityAdminWildcard grants every capability check.
const CapabilityAdminWildcard = "admin:*"

// Agent is a managed machine identity.
//
// Timestamps are stored as canonical UTC strings (see FormatTime) so the
// store can run lexicographic range filters over them.
type Agent struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Owner        string  `json:"owner"`
	Status       string  `json:"status"`
	AgentType    string  `json:"agent_type"`
	MetadataJSON string  `json:"metadata_json"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	SuspendedAt  *string `json:"suspended_at"`
	RevokedAt    *string `json:"revoked_at"`
}

// IsActive returns true if the agent status is "active".
func (a *Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}

// APIKey is a long-lived credential belonging to one agent. The raw key is
// never stored; KeyHash holds its hex SHA-256 and KeyPrefix the first eight
// characters for operator display.
type APIKey struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	KeyPrefix  string  `json:"key_prefix"`
	KeyHash    string  `json:"-"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	ExpiresAt  *string `json:"expires_at"`
	CreatedAt  string  `json:"created_at"`
	RotatedAt  *string `json:"rotated_at"`
	RevokedAt  *string `json:"revoked_at"`
	LastUsedAt *string `json:"last_used_at"`
}

// Capability is a named permission atom, conventionally "resource:verb".
type Capability struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// AgentCapability is the grant relation between an agent and a capability.
// The (agent_id, capability_id) pair is unique.
type AgentCapability struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	CapabilityID string  `json:"capability_id"`
	GrantedAt    string  `json:"granted_at"`
	GrantedBy    *string `json:"granted_by"`
}

// AuditLog is one row of the append-only audit record. AgentID is the acting
// identity when known, not the resource acted upon.
type AuditLog struct {
	ID           string  `json:"id"`
	Timestamp    string  `json:"timestamp"`
	AgentID      *string `json:"agent_id"`
	Action       string  `json:"action"`
	ResourceType *string `json:"resource_type"`
	ResourceID   *string `json:"resource_id"`
	DetailsJSON  string  `json:"details_json"`
	IPAddress    *string `json:"ip_address"`
	Success      int     `json:"success"`
}

// ValidAgentStatuses returns the agent status enum.
func ValidAgentStatuses() []string {
	return []string{AgentStatusActive, AgentStatusSuspended, AgentStatusRevoked}
}

// ValidAgentTypes returns the agent type enum.
func ValidAgentTypes() []string {
	return []string{AgentTypeLLM, AgentTypeTool, AgentTypeOrchestrator, AgentTypeCustom}
}

// IsValidAgentType checks membership in the agent type enum.
func IsValidAgentType(t string) bool {
	for _, v := range ValidAgentTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// StrPtr returns a pointer to s. Convenience for nullable columns.
func StrPtr(s string) *string {
	return &s
}
