// Package seed bootstraps a fresh deployment: default capabilities, the
// admin agent with every grant, and the first API key.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

// defaultCapabilities are created on first run.
var defaultCapabilities = []struct {
	name        string
	description string
}{
	{"agents:read", "Read agent information"},
	{"agents:write", "Create and update agents"},
	{"keys:manage", "Create, rotate, and revoke API keys"},
	{"audit:read", "Read audit logs"},
	{types.CapabilityAdminWildcard, "Full administrative access"},
}

// Result reports what the bootstrap created. RawKey is shown once and never
// recoverable afterwards.
type Result struct {
	AdminAgentID string
	RawKey       string
	Skipped      bool
}

// Run seeds the store. A second run detects the existing admin agent and
// does nothing, so the command is safe to invoke at every deploy.
func Run(ctx context.Context, st store.Store, gen *credentials.Generator, logger *zap.Logger) (*Result, error) {
	if _, err := st.GetAgentByName(ctx, "admin"); err == nil {
		logger.Info("admin agent already exists, skipping seed")
		return &Result{Skipped: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check admin agent: %w", err)
	}

	now := types.FormatTime(time.Now())

	caps := make([]*types.Capability, 0, len(defaultCapabilities))
	for _, dc := range defaultCapabilities {
		cap := &types.Capability{
			ID:          uuid.NewString(),
			Name:        dc.name,
			Description: dc.description,
			CreatedAt:   now,
		}
		if err := st.CreateCapability(ctx, cap); err != nil {
			if errors.Is(err, store.ErrConflict) {
				existing, gerr := st.GetCapabilityByName(ctx, dc.name)
				if gerr != nil {
					return nil, fmt.Errorf("fetch existing capability %s: %w", dc.name, gerr)
				}
				caps = append(caps, existing)
				continue
			}
			return nil, fmt.Errorf("create capability %s: %w", dc.name, err)
		}
		caps = append(caps, cap)
	}

	admin := &types.Agent{
		ID:           uuid.NewString(),
		Name:         "admin",
		Description:  "System administrator agent",
		Owner:        "system",
		Status:       types.AgentStatusActive,
		AgentType:    types.AgentTypeOrchestrator,
		MetadataJSON: "{}",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreateAgent(ctx, admin); err != nil {
		return nil, fmt.Errorf("create admin agent: %w", err)
	}

	for _, cap := range caps {
		grant := &types.AgentCapability{
			ID:           uuid.NewString(),
			AgentID:      admin.ID,
			CapabilityID: cap.ID,
			GrantedAt:    now,
			GrantedBy:    types.StrPtr("system"),
		}
		if err := st.CreateGrant(ctx, grant); err != nil {
			return nil, fmt.Errorf("grant %s: %w", cap.Name, err)
		}
	}

	raw, err := gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate bootstrap key: %w", err)
	}
	key := &types.APIKey{
		ID:        uuid.NewString(),
		AgentID:   admin.ID,
		KeyPrefix: credentials.Prefix(raw),
		KeyHash:   credentials.Hash(raw),
		Name:      "admin-bootstrap",
		Status:    types.KeyStatusActive,
		CreatedAt: now,
	}
	if err := st.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create bootstrap key: %w", err)
	}

	logger.Info("bootstrap complete",
		zap.String("admin_agent_id", admin.ID),
		zap.String("key_prefix", key.KeyPrefix),
	)
	return &Result{AdminAgentID: admin.ID, RawKey: raw}, nil
}
