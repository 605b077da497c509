// Package capability manages the capability catalog and per-agent grants.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/apperr"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

// Service failures surfaced to the HTTP layer.
var (
	ErrAgentNotFound  = apperr.NotFound("Agent not found")
	ErrNotFound       = apperr.NotFound("Capability not found")
	ErrGrantNotFound  = apperr.NotFound("Capability grant not found")
	ErrNameExists     = apperr.Conflict("Capability already exists")
	ErrAlreadyGranted = apperr.Conflict("Capability already granted")
	ErrSelfGrant      = apperr.BadRequest("Cannot modify your own capabilities")
)

// Actor identifies who performs an operation.
type Actor struct {
	AgentID string
	IP      string
}

// Service manages capabilities and grants.
type Service struct {
	store  store.Store
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a capability service.
func NewService(st store.Store, rec *audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		audit:  rec,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create registers a new capability in the catalog.
func (s *Service) Create(ctx context.Context, actor Actor, name, description string) (*types.Capability, error) {
	var errs types.ValidationErrors
	if e := types.ValidateCapabilityName(name); e != nil {
		errs = append(errs, e)
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	cap := &types.Capability{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   types.FormatTime(s.now()),
	}

	if err := s.store.CreateCapability(ctx, cap); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNameExists
		}
		return nil, fmt.Errorf("create capability: %w", err)
	}

	s.logger.Info("capability created", zap.String("capability_id", cap.ID), zap.String("name", name))
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCapabilityCreated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceCapability,
		ResourceID:   types.StrPtr(cap.ID),
		Details:      map[string]interface{}{"name": cap.Name},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return cap, nil
}

// List returns the whole capability catalog.
func (s *Service) List(ctx context.Context) ([]*types.Capability, error) {
	caps, err := s.store.ListCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	return caps, nil
}

// Grant attaches a capability to an agent. Granting to yourself is refused;
// admins cannot self-elevate.
func (s *Service) Grant(ctx context.Context, actor Actor, agentID, capabilityID string) (*types.Capability, error) {
	if agentID == actor.AgentID {
		return nil, ErrSelfGrant
	}

	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	cap, err := s.store.GetCapability(ctx, capabilityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capability: %w", err)
	}

	grant := &types.AgentCapability{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		CapabilityID: cap.ID,
		GrantedAt:    types.FormatTime(s.now()),
		GrantedBy:    types.StrPtr(actor.AgentID),
	}

	if err := s.store.CreateGrant(ctx, grant); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyGranted
		}
		return nil, fmt.Errorf("create grant: %w", err)
	}

	s.logger.Info("capability granted",
		zap.String("agent_id", agentID),
		zap.String("capability", cap.Name),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCapabilityGranted,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(agentID),
		Details:      map[string]interface{}{"capability": cap.Name, "capability_id": cap.ID},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return cap, nil
}

// RevokeGrant detaches a capability from an agent. Outstanding tokens keep
// their minted scope snapshot until they expire.
func (s *Service) RevokeGrant(ctx context.Context, actor Actor, agentID, capabilityID string) error {
	if agentID == actor.AgentID {
		return ErrSelfGrant
	}

	if _, err := s.store.GetGrant(ctx, agentID, capabilityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrGrantNotFound
		}
		return fmt.Errorf("get grant: %w", err)
	}

	capName := capabilityID
	if cap, err := s.store.GetCapability(ctx, capabilityID); err == nil {
		capName = cap.Name
	}

	if err := s.store.DeleteGrant(ctx, agentID, capabilityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrGrantNotFound
		}
		return fmt.Errorf("delete grant: %w", err)
	}

	s.logger.Info("capability grant revoked",
		zap.String("agent_id", agentID),
		zap.String("capability", capName),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCapabilityRevoked,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(agentID),
		Details:      map[string]interface{}{"capability": capName, "capability_id": capabilityID},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return nil
}
