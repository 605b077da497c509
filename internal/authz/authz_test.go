package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aims-io/aims/internal/token"
)

func newTestGate(t *testing.T) (*Gate, *token.Codec) {
	t.Helper()
	codec, err := token.New("test-secret", "HS256", 30*time.Minute)
	require.NoError(t, err)
	return NewGate(codec), codec
}

func bearerRequest(t *testing.T, tok string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/agents", nil)
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	return r
}

func TestGate_Authenticate(t *testing.T) {
	gate, codec := newTestGate(t)

	tok, err := codec.Mint("agent-1", []string{"agents:read"})
	require.NoError(t, err)

	actor, err := gate.Authenticate(bearerRequest(t, tok))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", actor.AgentID)
	assert.Equal(t, []string{"agents:read"}, actor.Scopes)
}

func TestGate_AuthenticateFailures(t *testing.T) {
	gate, _ := newTestGate(t)

	t.Run("missing header", func(t *testing.T) {
		_, err := gate.Authenticate(bearerRequest(t, ""))
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/agents", nil)
		r.Header.Set("Authorization", "Basic abc123")
		_, err := gate.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := gate.Authenticate(bearerRequest(t, "not.a.token"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := token.New("other-secret", "HS256", time.Minute)
		require.NoError(t, err)
		tok, err := other.Mint("agent-1", nil)
		require.NoError(t, err)
		_, err = gate.Authenticate(bearerRequest(t, tok))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestActor_HasCapability(t *testing.T) {
	plain := &Actor{AgentID: "a", Scopes: []string{"agents:read", "keys:manage"}}
	assert.True(t, plain.HasCapability("agents:read"))
	assert.False(t, plain.HasCapability("agents:write"))

	admin := &Actor{AgentID: "b", Scopes: []string{"admin:*"}}
	assert.True(t, admin.HasCapability("agents:write"))
	assert.True(t, admin.HasCapability("audit:read"))

	empty := &Actor{AgentID: "c"}
	assert.False(t, empty.HasCapability("agents:read"))
}

func TestGate_Require(t *testing.T) {
	gate, codec := newTestGate(t)

	tok, err := codec.Mint("agent-1", []string{"agents:read"})
	require.NoError(t, err)

	r := bearerRequest(t, tok)
	actor, err := gate.Require(r, "agents:read")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", actor.AgentID)

	_, err = gate.Require(r, "agents:write")
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "Missing required capability: agents:write", capErr.Error())
}

func TestGate_Middleware(t *testing.T) {
	gate, codec := newTestGate(t)

	var gotActor *Actor
	handler := gate.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok, err := codec.Mint("agent-9", []string{"admin:*"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(t, tok))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotActor)
	assert.Equal(t, "agent-9", gotActor.AgentID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(t, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
