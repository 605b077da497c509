package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aims-io/aims/internal/agent"
	"github.com/aims-io/aims/internal/apikey"
	"github.com/aims-io/aims/internal/apperr"
	"github.com/aims-io/aims/internal/auth"
	"github.com/aims-io/aims/internal/authz"
	"github.com/aims-io/aims/internal/capability"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

// Capability names gating each route group.
const (
	capAgentsRead  = "agents:read"
	capAgentsWrite = "agents:write"
	capKeysManage  = "keys:manage"
	capAuditRead   = "audit:read"
	capAdmin       = types.CapabilityAdminWildcard
)

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "X-API-Key header is required")
		return
	}

	tok, err := s.deps.Auth.Exchange(r.Context(), rawKey, clientIP(r))
	if err != nil {
		if s.deps.Metrics != nil {
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				s.deps.Metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
			}
		}
		s.writeServiceError(w, r, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensIssued.Inc()
	}
	writeJSON(w, http.StatusOK, tok)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, auth.ErrKeyRevoked):
		return "key_revoked"
	case errors.Is(err, auth.ErrGraceExpired):
		return "rotated_key_expired"
	case errors.Is(err, auth.ErrKeyExpired):
		return "key_expired"
	case errors.Is(err, auth.ErrAgentSuspended):
		return "agent_suspended"
	case errors.Is(err, auth.ErrAgentRevoked):
		return "agent_revoked"
	default:
		return "error"
	}
}

// require authenticates the request and checks the capability, writing the
// failure response itself. The bool reports whether the handler may proceed.
func (s *Server) require(w http.ResponseWriter, r *http.Request, cap string) (*authz.Actor, bool) {
	actor, err := s.deps.Gate.Require(r, cap)
	if err != nil {
		s.writeServiceError(w, r, err)
		return nil, false
	}
	return actor, true
}

type createAgentRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Owner        string `json:"owner"`
	AgentType    string `json:"agent_type"`
	MetadataJSON string `json:"metadata_json"`
}

func (s *Server) createAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAgentsWrite)
	if !ok {
		return
	}

	var body createAgentRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	ag, err := s.deps.Agents.Create(r.Context(), agentActor(actor, r), agent.CreateInput{
		Name:         body.Name,
		Description:  body.Description,
		Owner:        body.Owner,
		AgentType:    body.AgentType,
		MetadataJSON: body.MetadataJSON,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ag)
}

func (s *Server) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, capAgentsRead); !ok {
		return
	}

	q := r.URL.Query()
	agents, err := s.deps.Agents.List(r.Context(), store.AgentFilter{
		Status:    q.Get("status"),
		Owner:     q.Get("owner"),
		AgentType: q.Get("agent_type"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgentHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, capAgentsRead); !ok {
		return
	}

	ag, err := s.deps.Agents.Get(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

type updateAgentRequest struct {
	Description  *string `json:"description"`
	Owner        *string `json:"owner"`
	AgentType    *string `json:"agent_type"`
	MetadataJSON *string `json:"metadata_json"`
}

func (s *Server) updateAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAgentsWrite)
	if !ok {
		return
	}

	var body updateAgentRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	ag, err := s.deps.Agents.Update(r.Context(), agentActor(actor, r), mux.Vars(r)["agent_id"], agent.UpdateInput{
		Description:  body.Description,
		Owner:        body.Owner,
		AgentType:    body.AgentType,
		MetadataJSON: body.MetadataJSON,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// reasonOrDefault substitutes the stock reason when the caller omitted one,
// so audit rows never carry an empty reason.
func (r reasonRequest) reasonOrDefault() string {
	if r.Reason == "" {
		return "No reason provided"
	}
	return r.Reason
}

func (s *Server) suspendAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	var body reasonRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	ag, err := s.deps.Agents.Suspend(r.Context(), agentActor(actor, r), mux.Vars(r)["agent_id"], body.reasonOrDefault())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (s *Server) reactivateAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	ag, err := s.deps.Agents.Reactivate(r.Context(), agentActor(actor, r), mux.Vars(r)["agent_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (s *Server) revokeAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	var body reasonRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	ag, err := s.deps.Agents.Revoke(r.Context(), agentActor(actor, r), mux.Vars(r)["agent_id"], body.reasonOrDefault())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (s *Server) deleteAgentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	if err := s.deps.Agents.Delete(r.Context(), agentActor(actor, r), mux.Vars(r)["agent_id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createKeyRequest struct {
	Name      string  `json:"name"`
	ExpiresAt *string `json:"expires_at"`
}

// createdKeyResponse is the only place a raw key ever appears.
type createdKeyResponse struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	KeyPrefix string  `json:"key_prefix"`
	Name      string  `json:"name"`
	RawKey    string  `json:"raw_key"`
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expires_at"`
	CreatedAt string  `json:"created_at"`
}

func newCreatedKeyResponse(ck *apikey.CreatedKey) createdKeyResponse {
	return createdKeyResponse{
		ID:        ck.Key.ID,
		AgentID:   ck.Key.AgentID,
		KeyPrefix: ck.Key.KeyPrefix,
		Name:      ck.Key.Name,
		RawKey:    ck.RawKey,
		Status:    ck.Key.Status,
		ExpiresAt: ck.Key.ExpiresAt,
		CreatedAt: ck.Key.CreatedAt,
	}
}

func (s *Server) createKeyHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capKeysManage)
	if !ok {
		return
	}

	var body createKeyRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	created, err := s.deps.Keys.Create(r.Context(), keyActor(actor, r), mux.Vars(r)["agent_id"], body.Name, body.ExpiresAt)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCreatedKeyResponse(created))
}

func (s *Server) listKeysHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, capKeysManage); !ok {
		return
	}

	keys, err := s.deps.Keys.List(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type rotationResponse struct {
	OldKeyID         string             `json:"old_key_id"`
	NewKey           createdKeyResponse `json:"new_key"`
	GracePeriodHours int                `json:"grace_period_hours"`
}

func (s *Server) rotateKeyHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capKeysManage)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	rot, err := s.deps.Keys.Rotate(r.Context(), keyActor(actor, r), vars["agent_id"], vars["key_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rotationResponse{
		OldKeyID:         rot.OldKeyID,
		NewKey:           newCreatedKeyResponse(rot.NewKey),
		GracePeriodHours: rot.GracePeriodHours,
	})
}

func (s *Server) revokeKeyHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capKeysManage)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := s.deps.Keys.Revoke(r.Context(), keyActor(actor, r), vars["agent_id"], vars["key_id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createCapabilityRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createCapabilityHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	var body createCapabilityRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	cap, err := s.deps.Capabilities.Create(r.Context(), capActor(actor, r), body.Name, body.Description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cap)
}

func (s *Server) listCapabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, capAgentsRead); !ok {
		return
	}

	caps, err := s.deps.Capabilities.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

type grantRequest struct {
	CapabilityID string `json:"capability_id"`
}

func (s *Server) grantCapabilityHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	var body grantRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	cap, err := s.deps.Capabilities.Grant(r.Context(), capActor(actor, r), mux.Vars(r)["agent_id"], body.CapabilityID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cap)
}

func (s *Server) revokeCapabilityHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.require(w, r, capAdmin)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := s.deps.Capabilities.RevokeGrant(r.Context(), capActor(actor, r), vars["agent_id"], vars["capability_id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queryAuditHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, capAuditRead); !ok {
		return
	}

	q := r.URL.Query()
	filter := store.AuditFilter{
		AgentID:      q.Get("agent_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		StartDate:    q.Get("start_date"),
		EndDate:      q.Get("end_date"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	entries, err := s.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func agentActor(a *authz.Actor, r *http.Request) agent.Actor {
	return agent.Actor{AgentID: a.AgentID, IP: clientIP(r)}
}

func keyActor(a *authz.Actor, r *http.Request) apikey.Actor {
	return apikey.Actor{AgentID: a.AgentID, IP: clientIP(r)}
}

func capActor(a *authz.Actor, r *http.Request) capability.Actor {
	return capability.Actor{AgentID: a.AgentID, IP: clientIP(r)}
}
