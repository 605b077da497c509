// Package apikey implements API key issuance, rotation and revocation for
// agents. Raw keys exist only in the issuance response; the store keeps
// SHA-256 hashes.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/apperr"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

// Service failures surfaced to the HTTP layer.
var (
	ErrAgentNotFound  = apperr.NotFound("Agent not found")
	ErrKeyNotFound    = apperr.NotFound("API key not found")
	ErrNotActive      = apperr.BadRequest("Only active keys can be rotated")
	ErrAlreadyRevoked = apperr.BadRequest("Key already revoked")
)

// Actor identifies who performs an operation.
type Actor struct {
	AgentID string
	IP      string
}

// CreatedKey is an issuance result. RawKey is returned exactly once and
// never persisted.
type CreatedKey struct {
	Key    *types.APIKey
	RawKey string
}

// Rotation is the result of rotating a key.
type Rotation struct {
	OldKeyID         string
	NewKey           *CreatedKey
	GracePeriodHours int
}

// Service manages API keys.
type Service struct {
	store      store.Store
	gen        *credentials.Generator
	audit      *audit.Recorder
	logger     *zap.Logger
	graceHours int
	now        func() time.Time
}

// NewService creates an API key service. graceHours is how long a rotated
// key keeps authenticating.
func NewService(st store.Store, gen *credentials.Generator, rec *audit.Recorder, logger *zap.Logger, graceHours int) *Service {
	return &Service{
		store:      st,
		gen:        gen,
		audit:      rec,
		logger:     logger,
		graceHours: graceHours,
		now:        time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) requireAgent(ctx context.Context, agentID string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("get agent: %w", err)
	}
	return nil
}

// Create issues a new key for the agent. expiresAt is optional; when set it
// is normalized to the canonical timestamp form.
func (s *Service) Create(ctx context.Context, actor Actor, agentID, name string, expiresAt *string) (*CreatedKey, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}

	if expiresAt != nil {
		norm, err := types.NormalizeTime(*expiresAt)
		if err != nil {
			return nil, types.ValidationErrors{
				{Field: "expires_at", Message: "must be a valid RFC 3339 timestamp"},
			}
		}
		expiresAt = &norm
	}

	raw, err := s.gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	key := &types.APIKey{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		KeyPrefix: credentials.Prefix(raw),
		KeyHash:   credentials.Hash(raw),
		Name:      name,
		Status:    types.KeyStatusActive,
		ExpiresAt: expiresAt,
		CreatedAt: types.FormatTime(s.now()),
	}

	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}

	s.logger.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("agent_id", agentID),
		zap.String("key_prefix", key.KeyPrefix),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionKeyCreated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAPIKey,
		ResourceID:   types.StrPtr(key.ID),
		Details:      map[string]interface{}{"target_agent": agentID, "key_name": name},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return &CreatedKey{Key: key, RawKey: raw}, nil
}

// List returns the agent's keys. Raw key material is not recoverable.
func (s *Service) List(ctx context.Context, agentID string) ([]*types.APIKey, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}
	keys, err := s.store.ListKeys(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *Service) getAgentKey(ctx context.Context, agentID, keyID string) (*types.APIKey, error) {
	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	if key.AgentID != agentID {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Rotate marks an active key rotated and issues its replacement, inheriting
// name and expiry. The old key keeps working for the grace period.
func (s *Service) Rotate(ctx context.Context, actor Actor, agentID, keyID string) (*Rotation, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}

	oldKey, err := s.getAgentKey(ctx, agentID, keyID)
	if err != nil {
		return nil, err
	}
	if oldKey.Status != types.KeyStatusActive {
		return nil, ErrNotActive
	}

	now := types.FormatTime(s.now())
	oldKey.Status = types.KeyStatusRotated
	oldKey.RotatedAt = types.StrPtr(now)

	raw, err := s.gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	newKey := &types.APIKey{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		KeyPrefix: credentials.Prefix(raw),
		KeyHash:   credentials.Hash(raw),
		Name:      oldKey.Name,
		Status:    types.KeyStatusActive,
		ExpiresAt: oldKey.ExpiresAt,
		CreatedAt: now,
	}

	if err := s.store.RotateKey(ctx, oldKey, newKey); err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}

	s.logger.Info("api key rotated",
		zap.String("old_key_id", oldKey.ID),
		zap.String("new_key_id", newKey.ID),
		zap.String("agent_id", agentID),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionKeyRotated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAPIKey,
		ResourceID:   types.StrPtr(oldKey.ID),
		Details:      map[string]interface{}{"old_key_id": oldKey.ID, "new_key_id": newKey.ID},
		IPAddress:    actor.IP,
		Success:      true,
	})

	return &Rotation{
		OldKeyID:         oldKey.ID,
		NewKey:           &CreatedKey{Key: newKey, RawKey: raw},
		GracePeriodHours: s.graceHours,
	}, nil
}

// Revoke immediately invalidates a key. Revocation is terminal and takes
// effect on the next token exchange.
func (s *Service) Revoke(ctx context.Context, actor Actor, agentID, keyID string) error {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return err
	}

	key, err := s.getAgentKey(ctx, agentID, keyID)
	if err != nil {
		return err
	}
	if key.Status == types.KeyStatusRevoked {
		return ErrAlreadyRevoked
	}

	key.Status = types.KeyStatusRevoked
	key.RevokedAt = types.StrPtr(types.FormatTime(s.now()))

	if err := s.store.UpdateKey(ctx, key); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}

	s.logger.Info("api key revoked", zap.String("key_id", keyID), zap.String("agent_id", agentID))
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionKeyRevoked,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAPIKey,
		ResourceID:   types.StrPtr(key.ID),
		Details:      map[string]interface{}{"target_agent": agentID},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return nil
}
