package tables

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
)

func newTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	reg := handler.NewRegistry()
	tbl, err := Register(reg, cfg)
	require.NoError(t, err)
	return tbl
}

func TestExtractScopesValidatesColumns(t *testing.T) {
	tbl := newTable(t, Config{
		Name:          "tasks",
		ScopePatterns: []string{"user:{user_id}", "project:{project_id}"},
		ScopeColumns:  []string{"user_id", "project_id"},
	})

	scopes, err := tbl.ExtractScopes(map[string]any{
		"user_id": "alice", "project_id": "p1", "title": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, scope.Map{
		"user_id":    scope.String("alice"),
		"project_id": scope.String("p1"),
	}, scopes)

	_, err = tbl.ExtractScopes(map[string]any{"user_id": "alice"})
	assert.ErrorContains(t, err, `missing scope column "project_id"`)

	_, err = tbl.ExtractScopes(map[string]any{"user_id": "alice", "project_id": ""})
	assert.ErrorContains(t, err, "non-empty string")

	_, err = tbl.ExtractScopes(map[string]any{"user_id": "alice", "project_id": 7})
	assert.ErrorContains(t, err, "non-empty string")
}

func TestResolveScopesDefault(t *testing.T) {
	tbl := newTable(t, Config{
		Name:          "tasks",
		ScopePatterns: []string{"user:{user_id}", "project:{project_id}"},
		ScopeColumns:  []string{"user_id", "project_id"},
	})

	allowed, err := tbl.ResolveScopes(context.Background(), handler.Context{ActorID: "alice"})
	require.NoError(t, err)
	// The actor is pinned to their own user scope; other keys are open.
	assert.Equal(t, scope.String("alice"), allowed["user_id"])
	assert.True(t, allowed["project_id"].IsWildcard())
}

func TestResolveScopesCustom(t *testing.T) {
	tbl := newTable(t, Config{
		Name:          "tasks",
		ScopePatterns: []string{"user:{user_id}"},
		ScopeColumns:  []string{"user_id"},
		Resolve: func(ctx context.Context, hc handler.Context) (scope.Map, error) {
			return scope.Map{"user_id": scope.Set("alice", "bob")}, nil
		},
	})

	allowed, err := tbl.ResolveScopes(context.Background(), handler.Context{ActorID: "carol"})
	require.NoError(t, err)
	assert.True(t, allowed["user_id"].Contains("bob"))
	assert.False(t, allowed["user_id"].Contains("carol"))
}

func TestRegisterDefaultsOrdering(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, RegisterDefaults(reg))

	order, err := reg.BootstrapOrder("tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"projects", "tasks"}, order)
	assert.True(t, reg.KnownScopeKey("tasks", "project_id"))
	assert.True(t, reg.KnownScopeKey("projects", "user_id"))
}

func TestWithVersionCopies(t *testing.T) {
	row := map[string]any{"id": "r1"}
	out := withVersion(row, 3)
	assert.Equal(t, int64(3), out["server_version"])
	_, mutated := row["server_version"]
	assert.False(t, mutated)
}
