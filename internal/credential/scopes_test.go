package credential

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeRegistry_InsertAndExists(t *testing.T) {
	_, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read", "write"))

	ok, err := scopes.Exists(ctx, "read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = scopes.Exists(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := scopes.All(ctx)
	require.NoError(t, err)
	sort.Strings(all)
	assert.Equal(t, []string{"read", "write"}, all)
}

func TestScopeRegistry_Insert_BulkOrNothing(t *testing.T) {
	_, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read"))

	// One duplicate fails the whole call: "write" must not be registered.
	err := scopes.Insert(ctx, "write", "read")
	assert.ErrorIs(t, err, ErrScopeExists)

	ok, err := scopes.Exists(ctx, "write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopeRegistry_Insert_InvalidInput(t *testing.T) {
	_, scopes := setupCredentialStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, scopes.Insert(ctx), ErrInvalidInput)
	assert.ErrorIs(t, scopes.Insert(ctx, ""), ErrInvalidInput)
}

func TestScopeRegistry_Remove_StripsCredentials(t *testing.T) {
	s, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read", "write"))

	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x", Scopes: []string{"read", "write"}})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "app1", TypeOAuth2, Details{Secret: "y", Scopes: []string{"read"}})
	require.NoError(t, err)

	before, err := s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)

	require.NoError(t, scopes.Remove(ctx, "read"))

	ok, err := scopes.Exists(ctx, "read")
	require.NoError(t, err)
	assert.False(t, ok)

	// Every referencing credential lost the scope, and the rewrite bumped
	// its update timestamp like any other mutation.
	cred, err := s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, cred.Scopes)
	assert.True(t, cred.UpdatedAt.After(before.UpdatedAt))

	cred, err = s.Get(ctx, "app1", TypeOAuth2, false)
	require.NoError(t, err)
	assert.Empty(t, cred.Scopes)
}

func TestScopeRegistry_ExistsAll(t *testing.T) {
	_, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read", "write"))

	ok, err := scopes.ExistsAll(ctx, []string{"read", "write"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = scopes.ExistsAll(ctx, []string{"read", "ghost"})
	require.NoError(t, err)
	assert.False(t, ok)
}
