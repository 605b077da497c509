package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and local development.
// A single mutex makes every operation atomic, which gives the multi-row
// operations the same all-or-nothing behavior as a database transaction.
type MemoryStore struct {
	mu sync.RWMutex

	agents map[string]*types.Agent
	keys   map[string]*types.APIKey
	caps   map[string]*types.Capability
	grants map[string]*types.AgentCapability
	audit  []*types.AuditLog

	seq int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*types.Agent),
		keys:   make(map[string]*types.APIKey),
		caps:   make(map[string]*types.Capability),
		grants: make(map[string]*types.AgentCapability),
	}
}

func copyAgent(a *types.Agent) *types.Agent {
	cp := *a
	return &cp
}

func copyKey(k *types.APIKey) *types.APIKey {
	cp := *k
	return &cp
}

// CreateAgent inserts an agent, enforcing global name uniqueness.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.agents {
		if existing.Name == agent.Name {
			return ErrConflict
		}
	}
	s.agents[agent.ID] = copyAgent(agent)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(agent), nil
}

func (s *MemoryStore) GetAgentByName(ctx context.Context, name string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, agent := range s.agents {
		if agent.Name == name {
			return copyAgent(agent), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.Agent, 0)
	for _, agent := range s.agents {
		if filter.Status != "" && agent.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && agent.Owner != filter.Owner {
			continue
		}
		if filter.AgentType != "" && agent.AgentType != filter.AgentType {
			continue
		}
		result = append(result, copyAgent(agent))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return ErrNotFound
	}
	s.agents[agent.ID] = copyAgent(agent)
	return nil
}

// DeleteAgent removes the agent together with its keys and grants, matching
// the ON DELETE CASCADE foreign keys of the SQL schema.
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	for kid, key := range s.keys {
		if key.AgentID == id {
			delete(s.keys, kid)
		}
	}
	for gid, grant := range s.grants {
		if grant.AgentID == id {
			delete(s.grants, gid)
		}
	}
	return nil
}

func (s *MemoryStore) RevokeAgentCascade(ctx context.Context, id string, now string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	agent.Status = types.AgentStatusRevoked
	agent.RevokedAt = types.StrPtr(now)
	agent.UpdatedAt = now

	for _, key := range s.keys {
		if key.AgentID == id && key.Status == types.KeyStatusActive {
			key.Status = types.KeyStatusRevoked
			key.RevokedAt = types.StrPtr(now)
		}
	}
	return copyAgent(agent), nil
}

// CreateKey inserts an API key, enforcing key_hash uniqueness.
func (s *MemoryStore) CreateKey(ctx context.Context, key *types.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createKeyLocked(key)
}

func (s *MemoryStore) createKeyLocked(key *types.APIKey) error {
	if _, ok := s.keys[key.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.keys {
		if existing.KeyHash == key.KeyHash {
			return ErrConflict
		}
	}
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, id string) (*types.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(key), nil
}

func (s *MemoryStore) GetKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.keys {
		if credentials.HashEqual(key.KeyHash, keyHash) {
			return copyKey(key), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListKeys(ctx context.Context, agentID string) ([]*types.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.APIKey, 0)
	for _, key := range s.keys {
		if key.AgentID == agentID {
			result = append(result, copyKey(key))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) UpdateKey(ctx context.Context, key *types.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; !ok {
		return ErrNotFound
	}
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) RotateKey(ctx context.Context, oldKey, newKey *types.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[oldKey.ID]; !ok {
		return ErrNotFound
	}
	if err := s.createKeyLocked(newKey); err != nil {
		return err
	}
	s.keys[oldKey.ID] = copyKey(oldKey)
	return nil
}

func (s *MemoryStore) CreateCapability(ctx context.Context, cap *types.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.caps[cap.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.caps {
		if existing.Name == cap.Name {
			return ErrConflict
		}
	}
	cp := *cap
	s.caps[cap.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCapability(ctx context.Context, id string) (*types.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cap, ok := s.caps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cap
	return &cp, nil
}

func (s *MemoryStore) GetCapabilityByName(ctx context.Context, name string) (*types.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cap := range s.caps {
		if cap.Name == name {
			cp := *cap
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListCapabilities(ctx context.Context) ([]*types.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.Capability, 0, len(s.caps))
	for _, cap := range s.caps {
		cp := *cap
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *MemoryStore) CreateGrant(ctx context.Context, grant *types.AgentCapability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.grants {
		if existing.AgentID == grant.AgentID && existing.CapabilityID == grant.CapabilityID {
			return ErrConflict
		}
	}
	cp := *grant
	s.grants[grant.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, agentID, capabilityID string) (*types.AgentCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, grant := range s.grants {
		if grant.AgentID == agentID && grant.CapabilityID == capabilityID {
			cp := *grant
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteGrant(ctx context.Context, agentID, capabilityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, grant := range s.grants {
		if grant.AgentID == agentID && grant.CapabilityID == capabilityID {
			delete(s.grants, id)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListAgentScopes(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]string, 0)
	for _, grant := range s.grants {
		if grant.AgentID != agentID {
			continue
		}
		if cap, ok := s.caps[grant.CapabilityID]; ok {
			scopes = append(scopes, cap.Name)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *types.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.audit = append(s.audit, &cp)
	s.seq++
	return nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*types.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*types.AuditLog, 0)
	for _, entry := range s.audit {
		if filter.AgentID != "" && (entry.AgentID == nil || *entry.AgentID != filter.AgentID) {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && (entry.ResourceType == nil || *entry.ResourceType != filter.ResourceType) {
			continue
		}
		if filter.StartDate != "" && strings.Compare(entry.Timestamp, filter.StartDate) < 0 {
			continue
		}
		if filter.EndDate != "" && strings.Compare(entry.Timestamp, filter.EndDate) > 0 {
			continue
		}
		cp := *entry
		matched = append(matched, &cp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*types.AuditLog{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// AuditCount reports the number of audit rows. Test helper.
func (s *MemoryStore) AuditCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audit)
}

func (s *MemoryStore) Close() error {
	return nil
}
