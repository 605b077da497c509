// Package auth exchanges API keys for short-lived bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/apperr"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/internal/token"
	"github.com/aims-io/aims/pkg/types"
)

// Exchange failures surfaced to the HTTP layer.
var (
	ErrInvalidKey     = apperr.Unauthorized("Invalid API key")
	ErrKeyRevoked     = apperr.Unauthorized("API key has been revoked")
	ErrGraceExpired   = apperr.Unauthorized("Rotated API key has expired past grace period")
	ErrKeyExpired     = apperr.Unauthorized("API key has expired")
	ErrAgentSuspended = apperr.Forbidden("Agent is suspended")
	ErrAgentRevoked   = apperr.Forbidden("Agent has been revoked")
)

// Audit failure reasons recorded with auth.failed rows.
const (
	reasonInvalidKey        = "invalid_key"
	reasonKeyRevoked        = "key_revoked"
	reasonRotatedKeyExpired = "rotated_key_expired"
	reasonKeyExpired        = "key_expired"
	reasonAgentSuspended    = "agent_suspended"
	reasonAgentRevoked      = "agent_revoked"
)

// Token is a successful exchange result.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Service validates API keys and mints bearer tokens.
type Service struct {
	store  store.Store
	codec  *token.Codec
	audit  *audit.Recorder
	logger *zap.Logger
	grace  time.Duration
	now    func() time.Time
}

// NewService creates the exchange service. grace is how long rotated keys
// keep authenticating.
func NewService(st store.Store, codec *token.Codec, rec *audit.Recorder, logger *zap.Logger, grace time.Duration) *Service {
	return &Service{
		store:  st,
		codec:  codec,
		audit:  rec,
		logger: logger,
		grace:  grace,
		now:    time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) fail(ctx context.Context, agentID *string, reason, ip string) {
	s.audit.Record(ctx, audit.Event{
		Action:    audit.ActionAuthFailed,
		AgentID:   agentID,
		Details:   map[string]interface{}{"reason": reason},
		IPAddress: ip,
		Success:   false,
	})
}

// Exchange validates a raw API key and returns a bearer token carrying a
// snapshot of the agent's capabilities. Every failure leaves an auth.failed
// audit row with a machine-readable reason.
func (s *Service) Exchange(ctx context.Context, rawKey, ip string) (*Token, error) {
	key, err := s.store.GetKeyByHash(ctx, credentials.Hash(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(ctx, nil, reasonInvalidKey, ip)
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("lookup key: %w", err)
	}

	now := s.now()

	if key.Status == types.KeyStatusRevoked {
		s.fail(ctx, types.StrPtr(key.AgentID), reasonKeyRevoked, ip)
		return nil, ErrKeyRevoked
	}

	if key.Status == types.KeyStatusRotated && key.RotatedAt != nil {
		rotated, err := types.ParseTime(*key.RotatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse rotated_at: %w", err)
		}
		if now.Sub(rotated) > s.grace {
			s.fail(ctx, types.StrPtr(key.AgentID), reasonRotatedKeyExpired, ip)
			return nil, ErrGraceExpired
		}
	}

	if key.ExpiresAt != nil {
		expires, err := types.ParseTime(*key.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		if now.After(expires) {
			s.fail(ctx, types.StrPtr(key.AgentID), reasonKeyExpired, ip)
			return nil, ErrKeyExpired
		}
	}

	agent, err := s.store.GetAgent(ctx, key.AgentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	switch agent.Status {
	case types.AgentStatusSuspended:
		s.fail(ctx, types.StrPtr(agent.ID), reasonAgentSuspended, ip)
		return nil, ErrAgentSuspended
	case types.AgentStatusRevoked:
		s.fail(ctx, types.StrPtr(agent.ID), reasonAgentRevoked, ip)
		return nil, ErrAgentRevoked
	}

	scopes, err := s.store.ListAgentScopes(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("gather scopes: %w", err)
	}

	key.LastUsedAt = types.StrPtr(types.FormatTime(now))
	if err := s.store.UpdateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("stamp last_used_at: %w", err)
	}

	signed, err := s.codec.Mint(agent.ID, scopes)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	s.logger.Info("token issued",
		zap.String("agent_id", agent.ID),
		zap.String("key_id", key.ID),
		zap.Int("scopes", len(scopes)),
	)
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionAuthTokenIssued,
		AgentID:      types.StrPtr(agent.ID),
		ResourceType: audit.ResourceAPIKey,
		ResourceID:   types.StrPtr(key.ID),
		IPAddress:    ip,
		Success:      true,
	})

	return &Token{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   int(s.codec.TTL().Seconds()),
	}, nil
}
