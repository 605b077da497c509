package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/agent"
	"github.com/aims-io/aims/internal/apikey"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/auth"
	"github.com/aims-io/aims/internal/authz"
	"github.com/aims-io/aims/internal/capability"
	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/metrics"
	"github.com/aims-io/aims/internal/ratelimit"
	"github.com/aims-io/aims/internal/seed"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/internal/token"
	"github.com/aims-io/aims/pkg/types"
)

type testEnv struct {
	server   *Server
	st       *store.MemoryStore
	limiter  *ratelimit.MemoryLimiter
	adminKey string
	adminID  string
	clock    *fakeClock
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	rec := audit.NewRecorder(st, logger)
	gen := credentials.NewGenerator("aims_")

	clock := &fakeClock{current: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}

	codec, err := token.New("test-secret", "HS256", 30*time.Minute)
	require.NoError(t, err)
	codec.WithNow(clock.now)

	seeded, err := seed.Run(t.Context(), st, gen, logger)
	require.NoError(t, err)
	require.False(t, seeded.Skipped)

	limiter := ratelimit.NewMemoryLimiter()
	deps := Deps{
		Auth:         auth.NewService(st, codec, rec, logger, 24*time.Hour).WithNow(clock.now),
		Agents:       agent.NewService(st, rec, logger).WithNow(clock.now),
		Keys:         apikey.NewService(st, gen, rec, logger, 24).WithNow(clock.now),
		Capabilities: capability.NewService(st, rec, logger).WithNow(clock.now),
		Audit:        audit.NewReader(st),
		Gate:         authz.NewGate(codec),
		Limiter:      limiter,
		Metrics:      metrics.New(),
	}

	server, err := New(DefaultConfig(), deps, logger)
	require.NoError(t, err)

	return &testEnv{
		server:   server,
		st:       st,
		limiter:  limiter,
		adminKey: seeded.RawKey,
		adminID:  seeded.AdminAgentID,
		clock:    clock,
	}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:54321"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	// Rate limit windows reset between calls so tests exercise limits
	// explicitly, not accidentally.
	e.limiter.Reset()
	return rec
}

func (e *testEnv) exchange(t *testing.T, rawKey string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.Header.Set("X-API-Key", rawKey)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	e.limiter.Reset()

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	rec, body := e.exchange(t, e.adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	return body["access_token"].(string)
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Detail
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/_health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Duration-Ms"))
}

func TestTokenExchange(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.exchange(t, env.adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bearer", body["token_type"])
	assert.Equal(t, float64(1800), body["expires_in"])
	assert.NotEmpty(t, body["access_token"])

	t.Run("invalid key", func(t *testing.T) {
		rec, _ := env.exchange(t, "aims_bogus")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Invalid API key", detail(t, rec))
	})

	t.Run("missing header", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/auth/token", "", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{
		"name": "worker-1", "owner": "team-platform", "agent_type": "tool",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "active", created.Status)

	t.Run("duplicate name", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{
			"name": "worker-1", "owner": "team-platform",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "Agent name already exists", detail(t, rec))
	})

	t.Run("invalid name", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{
			"name": "has spaces!", "owner": "o",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("get and list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/agents/"+created.ID, tok, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/agents?agent_type=tool", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list []types.Agent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list, 1)

		rec = env.do(t, http.MethodGet, "/agents/nope", tok, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Agent not found", detail(t, rec))
	})

	t.Run("patch", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/agents/"+created.ID, tok, map[string]string{
			"description": "updated",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var updated types.Agent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		assert.Equal(t, "updated", updated.Description)
	})

	t.Run("patch agent type", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/agents/"+created.ID, tok, map[string]string{
			"agent_type": "llm",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var updated types.Agent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		assert.Equal(t, "llm", updated.AgentType)

		rec = env.do(t, http.MethodPatch, "/agents/"+created.ID, tok, map[string]string{
			"agent_type": "robot",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("suspend reactivate", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents/"+created.ID+"/suspend", tok, map[string]string{"reason": "maintenance"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodPost, "/agents/"+created.ID+"/reactivate", tok, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("suspend without reason", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents/"+created.ID+"/suspend", tok, map[string]string{})
		require.Equal(t, http.StatusOK, rec.Code)

		rows, err := env.st.QueryAudit(t.Context(), store.AuditFilter{Action: audit.ActionAgentSuspended})
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		defaulted := false
		for _, row := range rows {
			if strings.Contains(row.DetailsJSON, "No reason provided") {
				defaulted = true
			}
		}
		assert.True(t, defaulted)

		rec = env.do(t, http.MethodPost, "/agents/"+created.ID+"/reactivate", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/agents/"+created.ID, tok, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestSelfProtection(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		detail string
	}{
		{"suspend self", http.MethodPost, "/agents/" + env.adminID + "/suspend", map[string]string{"reason": "r"}, "Cannot suspend yourself"},
		{"revoke self", http.MethodPost, "/agents/" + env.adminID + "/revoke", map[string]string{"reason": "r"}, "Cannot revoke yourself"},
		{"delete self", http.MethodDelete, "/agents/" + env.adminID, nil, "Cannot delete yourself"},
		{"grant self", http.MethodPost, "/agents/" + env.adminID + "/capabilities", map[string]string{"capability_id": "x"}, "Cannot modify your own capabilities"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tok, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.detail, detail(t, rec))
		})
	}
}

func TestCapabilityGating(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.adminToken(t)

	// A worker agent with only agents:read.
	rec := env.do(t, http.MethodPost, "/agents", adminTok, map[string]string{"name": "limited", "owner": "o"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var worker types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &worker))

	readCap, err := env.st.GetCapabilityByName(t.Context(), "agents:read")
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/agents/"+worker.ID+"/capabilities", adminTok,
		map[string]string{"capability_id": readCap.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/agents/"+worker.ID+"/keys", adminTok, map[string]string{"name": "k"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var createdKey createdKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdKey))

	exRec, exBody := env.exchange(t, createdKey.RawKey)
	require.Equal(t, http.StatusOK, exRec.Code)
	workerTok := exBody["access_token"].(string)

	t.Run("allowed by scope", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/agents", workerTok, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing capability is 403", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents", workerTok, map[string]string{"name": "x", "owner": "o"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Missing required capability: agents:write", detail(t, rec))
	})

	t.Run("no token is 401", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/agents", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Not authenticated", detail(t, rec))
	})

	t.Run("garbage token is 401", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/agents", "not.a.jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Invalid or expired token", detail(t, rec))
	})

	t.Run("scope snapshot survives grant revocation", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/agents/"+worker.ID+"/capabilities/"+readCap.ID, adminTok, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		// The outstanding token still carries agents:read.
		rec = env.do(t, http.MethodGet, "/agents", workerTok, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		// A fresh exchange gets the narrowed scopes.
		_, body := env.exchange(t, createdKey.RawKey)
		freshTok := body["access_token"].(string)
		rec = env.do(t, http.MethodGet, "/agents", freshTok, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestKeyRotationGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{"name": "rotor", "owner": "o"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ag types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ag))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/keys", tok, map[string]string{"name": "rotating"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var key createdKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/keys/"+key.ID+"/rotate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rot rotationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rot))
	assert.Equal(t, key.ID, rot.OldKeyID)
	assert.Equal(t, 24, rot.GracePeriodHours)
	assert.Equal(t, "rotating", rot.NewKey.Name)

	// Old key still works inside the grace window.
	env.clock.current = env.clock.current.Add(23 * time.Hour)
	exRec, _ := env.exchange(t, key.RawKey)
	assert.Equal(t, http.StatusOK, exRec.Code)

	// And fails past it, while the replacement keeps working.
	env.clock.current = env.clock.current.Add(2 * time.Hour)
	exRec, _ = env.exchange(t, key.RawKey)
	assert.Equal(t, http.StatusUnauthorized, exRec.Code)
	assert.Equal(t, "Rotated API key has expired past grace period", detail(t, exRec))

	exRec, _ = env.exchange(t, rot.NewKey.RawKey)
	assert.Equal(t, http.StatusOK, exRec.Code)

	t.Run("rotated key cannot rotate again", func(t *testing.T) {
		// Fresh admin token: the original one expired with the clock jumps.
		tok := env.adminToken(t)
		rec := env.do(t, http.MethodPost, "/agents/"+ag.ID+"/keys/"+key.ID+"/rotate", tok, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Only active keys can be rotated", detail(t, rec))
	})
}

func TestAgentRevocationCascade(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{"name": "victim", "owner": "o"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ag types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ag))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/keys", tok, map[string]string{"name": "k"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var key createdKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/revoke", tok, map[string]string{"reason": "compromised"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The cascaded key now reports key_revoked, not agent_revoked: key
	// status is checked first.
	exRec, _ := env.exchange(t, key.RawKey)
	assert.Equal(t, http.StatusUnauthorized, exRec.Code)
	assert.Equal(t, "API key has been revoked", detail(t, exRec))

	t.Run("revoke is terminal", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/agents/"+ag.ID+"/revoke", tok, map[string]string{"reason": "again"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Agent already revoked", detail(t, rec))

		rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/suspend", tok, map[string]string{"reason": "r"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Cannot suspend a revoked agent", detail(t, rec))
	})
}

func TestSuspendedAgentCannotAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{"name": "paused", "owner": "o"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ag types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ag))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/keys", tok, map[string]string{"name": "k"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var key createdKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))

	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/suspend", tok, map[string]string{"reason": "r"})
	require.Equal(t, http.StatusOK, rec.Code)

	exRec, _ := env.exchange(t, key.RawKey)
	assert.Equal(t, http.StatusForbidden, exRec.Code)
	assert.Equal(t, "Agent is suspended", detail(t, exRec))

	// Reactivation restores token issuance.
	rec = env.do(t, http.MethodPost, "/agents/"+ag.ID+"/reactivate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exRec, _ = env.exchange(t, key.RawKey)
	assert.Equal(t, http.StatusOK, exRec.Code)
}

func TestAuditQuery(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/agents", tok, map[string]string{"name": "traced", "owner": "o"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/audit?action=agent.created", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []types.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, env.adminID, *entries[0].AgentID)

	// The token exchange itself was audited.
	rec = env.do(t, http.MethodGet, "/audit?action=auth.token_issued", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)

	// 20 exchanges per minute per IP; the 21st is refused. Requests go
	// straight to the router so the window accumulates.
	var last *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "10.9.9.9:1000"
		req.Header.Set("X-API-Key", env.adminKey)
		last = httptest.NewRecorder()
		env.server.ServeHTTP(last, req)
		if i < 20 {
			require.Equal(t, http.StatusOK, last.Code, fmt.Sprintf("request %d", i+1))
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "Rate limit exceeded for authentication", detail(t, last))

	t.Run("other ip unaffected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "10.8.8.8:1000"
		req.Header.Set("X-API-Key", env.adminKey)
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health endpoint exempt", func(t *testing.T) {
		for i := 0; i < 70; i++ {
			req := httptest.NewRequest(http.MethodGet, "/_health", nil)
			req.RemoteAddr = "10.9.9.9:1000"
			rec := httptest.NewRecorder()
			env.server.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestDurationHeaderFormat(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/_health", "", nil)

	header := rec.Header().Get("X-Request-Duration-Ms")
	require.NotEmpty(t, header)
	var ms float64
	_, err := fmt.Sscanf(header, "%f", &ms)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, 0.0)
	assert.Regexp(t, `^\d+\.\d{2}$`, header)
}
