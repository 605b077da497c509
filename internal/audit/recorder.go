// Package audit records every security-relevant operation to the append-only
// audit_logs table and serves read queries over it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

// Audit action names. One constant per recordable operation.
const (
	ActionAgentCreated     = "agent.created"
	ActionAgentUpdated     = "agent.updated"
	ActionAgentSuspended   = "agent.suspended"
	ActionAgentReactivated = "agent.reactivated"
	ActionAgentRevoked     = "agent.revoked"
	ActionAgentDeleted     = "agent.deleted"

	ActionKeyCreated = "key.created"
	ActionKeyRotated = "key.rotated"
	ActionKeyRevoked = "key.revoked"

	ActionCapabilityCreated = "capability.created"
	ActionCapabilityGranted = "capability.granted"
	ActionCapabilityRevoked = "capability.revoked"

	ActionAuthFailed      = "auth.failed"
	ActionAuthTokenIssued = "auth.token_issued"
)

// Resource type names used in audit rows.
const (
	ResourceAgent      = "agent"
	ResourceAPIKey     = "api_key"
	ResourceCapability = "capability"
	ResourceAuth       = "auth"
)

// Event is one recordable occurrence. Details is marshalled to details_json.
type Event struct {
	Action       string
	AgentID      *string
	ResourceType string
	ResourceID   *string
	Details      map[string]interface{}
	IPAddress    string
	Success      bool
}

// Recorder appends events to the audit store. Failures to record are logged
// but never propagated: an audit hiccup must not fail the operation it
// describes.
type Recorder struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder writing through the given store.
func NewRecorder(st store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (r *Recorder) WithNow(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends one audit row.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	details := "{}"
	if len(ev.Details) > 0 {
		if data, err := json.Marshal(ev.Details); err == nil {
			details = string(data)
		} else {
			r.logger.Error("marshal audit details", zap.String("action", ev.Action), zap.Error(err))
		}
	}

	success := 0
	if ev.Success {
		success = 1
	}

	entry := &types.AuditLog{
		ID:          uuid.NewString(),
		Timestamp:   types.FormatTime(r.now()),
		AgentID:     ev.AgentID,
		Action:      ev.Action,
		DetailsJSON: details,
		Success:     success,
	}
	if ev.ResourceType != "" {
		entry.ResourceType = types.StrPtr(ev.ResourceType)
	}
	entry.ResourceID = ev.ResourceID
	if ev.IPAddress != "" {
		entry.IPAddress = types.StrPtr(ev.IPAddress)
	}

	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("append audit log",
			zap.String("action", ev.Action),
			zap.Error(err),
		)
	}
}

// Query limits. Requests outside the range are clamped, not rejected.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Reader serves audit log queries.
type Reader struct {
	store store.Store
}

// NewReader creates an audit query service.
func NewReader(st store.Store) *Reader {
	return &Reader{store: st}
}

// Query returns matching audit rows, newest first. The limit is clamped to
// [1, MaxQueryLimit] with DefaultQueryLimit when unset, and a negative offset
// is treated as zero.
func (r *Reader) Query(ctx context.Context, filter store.AuditFilter) ([]*types.AuditLog, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}
	if filter.Limit > MaxQueryLimit {
		filter.Limit = MaxQueryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.StartDate != "" {
		if norm, err := types.NormalizeTime(filter.StartDate); err == nil {
			filter.StartDate = norm
		}
	}
	if filter.EndDate != "" {
		if norm, err := types.NormalizeTime(filter.EndDate); err == nil {
			filter.EndDate = norm
		}
	}
	return r.store.QueryAudit(ctx, filter)
}
