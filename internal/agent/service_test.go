package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/store"
	"github.com/aims-io/aims/pkg/types"
)

var adminActor = Actor{AgentID: "admin-id", IP: "127.0.0.1"}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := audit.NewRecorder(st, zap.NewNop())
	return NewService(st, rec, zap.NewNop()), st
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	ag, err := svc.Create(ctx, adminActor, CreateInput{
		Name:      "worker-1",
		Owner:     "team-platform",
		AgentType: types.AgentTypeTool,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ag.ID)
	assert.Equal(t, types.AgentStatusActive, ag.Status)
	assert.Equal(t, "{}", ag.MetadataJSON)
	assert.Equal(t, ag.CreatedAt, ag.UpdatedAt)

	rows, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentCreated})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "admin-id", *rows[0].AgentID)
	assert.Equal(t, ag.ID, *rows[0].ResourceID)
}

func TestService_CreateDefaultsTypeToCustom(t *testing.T) {
	svc, _ := newTestService(t)

	ag, err := svc.Create(context.Background(), adminActor, CreateInput{
		Name:  "untyped",
		Owner: "someone",
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentTypeCustom, ag.AgentType)
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
	}{
		{"empty name", CreateInput{Owner: "o"}},
		{"name with spaces", CreateInput{Name: "has spaces", Owner: "o"}},
		{"name with slash", CreateInput{Name: "a/b", Owner: "o"}},
		{"missing owner", CreateInput{Name: "ok"}},
		{"bad type", CreateInput{Name: "ok", Owner: "o", AgentType: "robot"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, adminActor, tc.input)
			var verrs types.ValidationErrors
			assert.ErrorAs(t, err, &verrs)
		})
	}
}

func TestService_CreateDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, adminActor, CreateInput{Name: "dup", Owner: "o"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, adminActor, CreateInput{Name: "dup", Owner: "o"})
	assert.ErrorIs(t, err, ErrNameExists)
}

func TestService_Update(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "w", Owner: "o"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, adminActor, ag.ID, UpdateInput{
		Description: types.StrPtr("new description"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, "o", updated.Owner)

	rows, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentUpdated})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].DetailsJSON, "description")
}

func TestService_UpdateAgentType(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "w", Owner: "o", AgentType: types.AgentTypeTool})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, adminActor, ag.ID, UpdateInput{
		AgentType: types.StrPtr(types.AgentTypeLLM),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentTypeLLM, updated.AgentType)

	rows, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentUpdated})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].DetailsJSON, "agent_type")

	_, err = svc.Update(ctx, adminActor, ag.ID, UpdateInput{
		AgentType: types.StrPtr("robot"),
	})
	var verrs types.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	got, err := svc.Get(ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTypeLLM, got.AgentType)
}

func TestService_SuspendAndReactivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "s", Owner: "o"})
	require.NoError(t, err)

	suspended, err := svc.Suspend(ctx, adminActor, ag.ID, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.SuspendedAt)

	_, err = svc.Reactivate(ctx, adminActor, ag.ID)
	require.NoError(t, err)

	got, err := svc.Get(ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, got.Status)
	assert.Nil(t, got.SuspendedAt)
}

func TestService_SuspendGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("self", func(t *testing.T) {
		_, err := svc.Suspend(ctx, adminActor, adminActor.AgentID, "why not")
		assert.ErrorIs(t, err, ErrSelfSuspend)
	})

	t.Run("revoked agent", func(t *testing.T) {
		ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "r", Owner: "o"})
		require.NoError(t, err)
		_, err = svc.Revoke(ctx, adminActor, ag.ID, "compromised")
		require.NoError(t, err)
		_, err = svc.Suspend(ctx, adminActor, ag.ID, "too late")
		assert.ErrorIs(t, err, ErrSuspendRevoked)
	})
}

func TestService_ReactivateRequiresSuspended(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "a", Owner: "o"})
	require.NoError(t, err)

	_, err = svc.Reactivate(ctx, adminActor, ag.ID)
	assert.ErrorIs(t, err, ErrNotSuspended)
}

func TestService_RevokeCascadesKeys(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "victim", Owner: "o"})
	require.NoError(t, err)

	key := &types.APIKey{
		ID: "key-1", AgentID: ag.ID, KeyPrefix: "aims_abc", KeyHash: "h1",
		Status: types.KeyStatusActive, CreatedAt: ag.CreatedAt,
	}
	require.NoError(t, st.CreateKey(ctx, key))

	revoked, err := svc.Revoke(ctx, adminActor, ag.ID, "compromised")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusRevoked, revoked.Status)

	gotKey, err := st.GetKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusRevoked, gotKey.Status)

	// Single agent.revoked row covers the cascade.
	rows, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentRevoked})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = svc.Revoke(ctx, adminActor, ag.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
}

func TestService_Delete(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Delete(ctx, adminActor, adminActor.AgentID), ErrSelfDelete)

	ag, err := svc.Create(ctx, adminActor, CreateInput{Name: "gone", Owner: "o"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, adminActor, ag.ID))
	_, err = svc.Get(ctx, ag.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The deletion row survives the deleted agent.
	rows, err := st.QueryAudit(ctx, store.AuditFilter{Action: audit.ActionAgentDeleted})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].DetailsJSON, "gone")

	assert.ErrorIs(t, svc.Delete(ctx, adminActor, ag.ID), ErrNotFound)
}

func TestService_ListFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, adminActor, CreateInput{Name: "a", Owner: "x", AgentType: types.AgentTypeLLM})
	require.NoError(t, err)
	_, err = svc.Create(ctx, adminActor, CreateInput{Name: "b", Owner: "y"})
	require.NoError(t, err)

	all, err := svc.List(ctx, store.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	llm, err := svc.List(ctx, store.AgentFilter{AgentType: types.AgentTypeLLM})
	require.NoError(t, err)
	require.Len(t, llm, 1)
	assert.Equal(t, "a", llm[0].Name)
}
