// Package agent implements the agent lifecycle: registration, metadata
// updates, suspension, reactivation, revocation and deletion.
package agent

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
	ErrNotFound       = apperr.NotFound("Agent not found")
	ErrNameExists     = apperr.Conflict("Agent name already exists")
	ErrSelfSuspend    = apperr.BadRequest("Cannot suspend yourself")
	ErrSelfRevoke     = apperr.BadRequest("Cannot revoke yourself")
	ErrSelfDelete     = apperr.BadRequest("Cannot delete yourself")
	ErrSuspendRevoked = apperr.BadRequest("Cannot suspend a revoked agent")
	ErrNotSuspended   = apperr.BadRequest("Only suspended agents can be reactivated")
	ErrAlreadyRevoked = apperr.BadRequest("Agent already revoked")
)

// Actor identifies who performs an operation, for audit and self-action
// checks.
type Actor struct {
	AgentID string
	IP      string
}

// CreateInput is a registration request.
type CreateInput struct {
	Name         string
	Description  string
	Owner        string
	AgentType    string
	MetadataJSON string
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Description  *string
	Owner        *string
	AgentType    *string
	MetadataJSON *string
}

// Service manages agent records.
type Service struct {
	store  store.Store
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an agent service.
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

func (in *CreateInput) validate() error {
	var errs types.ValidationErrors
	if e := types.ValidateAgentName(in.Name); e != nil {
		errs = append(errs, e)
	}
	if e := types.ValidateOwner(in.Owner); e != nil {
		errs = append(errs, e)
	}
	if in.AgentType == "" {
		in.AgentType = types.AgentTypeCustom
	}
	if e := types.ValidateAgentType(in.AgentType); e != nil {
		errs = append(errs, e)
	}
	return errs.OrNil()
}

// Create registers a new agent in active status.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*types.Agent, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.MetadataJSON == "" {
		in.MetadataJSON = "{}"
	}

	now := types.FormatTime(s.now())
	ag := &types.Agent{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Description:  in.Description,
		Owner:        in.Owner,
		Status:       types.AgentStatusActive,
		AgentType:    in.AgentType,
		MetadataJSON: in.MetadataJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateAgent(ctx, ag); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNameExists
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}

	s.logger.Info("agent created",
		zap.String("agent_id", ag.ID),
		zap.String("name", ag.Name),
		zap.String("owner", ag.Owner),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentCreated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(ag.ID),
		Details:      map[string]interface{}{"name": ag.Name, "owner": ag.Owner},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return ag, nil
}

// Get returns one agent by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Agent, error) {
	ag, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return ag, nil
}

// List returns agents matching the filter.
func (s *Service) List(ctx context.Context, filter store.AgentFilter) ([]*types.Agent, error) {
	agents, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Update applies a partial update to mutable fields. Name and status are
// immutable through this path.
func (s *Service) Update(ctx context.Context, actor Actor, id string, in UpdateInput) (*types.Agent, error) {
	ag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var errs types.ValidationErrors
	if in.Owner != nil {
		if e := types.ValidateOwner(*in.Owner); e != nil {
			errs = append(errs, e)
		}
	}
	if in.AgentType != nil {
		if e := types.ValidateAgentType(*in.AgentType); e != nil {
			errs = append(errs, e)
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	updated := make([]string, 0, 4)
	if in.Description != nil {
		ag.Description = *in.Description
		updated = append(updated, "description")
	}
	if in.Owner != nil {
		ag.Owner = *in.Owner
		updated = append(updated, "owner")
	}
	if in.AgentType != nil {
		ag.AgentType = *in.AgentType
		updated = append(updated, "agent_type")
	}
	if in.MetadataJSON != nil {
		ag.MetadataJSON = *in.MetadataJSON
		updated = append(updated, "metadata_json")
	}
	ag.UpdatedAt = types.FormatTime(s.now())

	if err := s.store.UpdateAgent(ctx, ag); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update agent: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentUpdated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(ag.ID),
		Details:      map[string]interface{}{"updated_fields": updated},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return ag, nil
}

// Suspend moves an active agent into suspended status. Suspension is
// reversible; existing keys survive but token issuance is refused.
func (s *Service) Suspend(ctx context.Context, actor Actor, id, reason string) (*types.Agent, error) {
	if id == actor.AgentID {
		return nil, ErrSelfSuspend
	}

	ag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ag.Status == types.AgentStatusRevoked {
		return nil, ErrSuspendRevoked
	}

	now := types.FormatTime(s.now())
	ag.Status = types.AgentStatusSuspended
	ag.SuspendedAt = types.StrPtr(now)
	ag.UpdatedAt = now

	if err := s.store.UpdateAgent(ctx, ag); err != nil {
		return nil, fmt.Errorf("suspend agent: %w", err)
	}

	s.logger.Info("agent suspended", zap.String("agent_id", id), zap.String("reason", reason))
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentSuspended,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(ag.ID),
		Details:      map[string]interface{}{"reason": reason},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return ag, nil
}

// Reactivate returns a suspended agent to active status.
func (s *Service) Reactivate(ctx context.Context, actor Actor, id string) (*types.Agent, error) {
	ag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ag.Status != types.AgentStatusSuspended {
		return nil, ErrNotSuspended
	}

	ag.Status = types.AgentStatusActive
	ag.SuspendedAt = nil
	ag.UpdatedAt = types.FormatTime(s.now())

	if err := s.store.UpdateAgent(ctx, ag); err != nil {
		return nil, fmt.Errorf("reactivate agent: %w", err)
	}

	s.logger.Info("agent reactivated", zap.String("agent_id", id))
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentReactivated,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(ag.ID),
		IPAddress:    actor.IP,
		Success:      true,
	})
	return ag, nil
}

// Revoke permanently disables an agent and revokes all of its active API
// keys in the same transaction. Revocation is terminal.
func (s *Service) Revoke(ctx context.Context, actor Actor, id, reason string) (*types.Agent, error) {
	if id == actor.AgentID {
		return nil, ErrSelfRevoke
	}

	ag, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ag.Status == types.AgentStatusRevoked {
		return nil, ErrAlreadyRevoked
	}

	now := types.FormatTime(s.now())
	revoked, err := s.store.RevokeAgentCascade(ctx, id, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("revoke agent: %w", err)
	}

	s.logger.Warn("agent revoked", zap.String("agent_id", id), zap.String("reason", reason))
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentRevoked,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(id),
		Details:      map[string]interface{}{"reason": reason},
		IPAddress:    actor.IP,
		Success:      true,
	})
	return revoked, nil
}

// Delete removes the agent row entirely; keys and grants cascade away. The
// audit trail keeps its rows since they reference the actor, not the row.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	if id == actor.AgentID {
		return ErrSelfDelete
	}

	ag, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAgentDeleted,
		AgentID:      types.StrPtr(actor.AgentID),
		ResourceType: audit.ResourceAgent,
		ResourceID:   types.StrPtr(ag.ID),
		Details:      map[string]interface{}{"name": ag.Name},
		IPAddress:    actor.IP,
		Success:      true,
	})

	if err := s.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete agent: %w", err)
	}

	s.logger.Info("agent deleted", zap.String("agent_id", id), zap.String("name", ag.Name))
	return nil
}
