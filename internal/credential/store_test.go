package credential

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// setupCredentialStore creates a miniredis-backed credential store with a
// scope registry.
func setupCredentialStore(t *testing.T) (*Store, *ScopeRegistry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := store.NewRedisStoreFromClient(client, "test:")
	scopes := NewScopeRegistry(kv, nil)
	return NewStore(kv, scopes), scopes
}

func TestStore_Insert_PasswordStyle(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	cred, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "user1", cred.ID)
	assert.True(t, cred.Active)
	assert.Empty(t, cred.PlaintextSecret)
	// Stored secret is a bcrypt hash, not the plaintext.
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cred.Secret), []byte("s3cret")))
}

func TestStore_Insert_UniquenessPerTypeAndID(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "a"})
	require.NoError(t, err)

	// Inserting over an active credential fails, both times.
	_, err = s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "b"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "c"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Reinserting over an inactive credential fails distinctly.
	require.NoError(t, s.Deactivate(ctx, "user1", TypeBasicAuth))
	_, err = s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "d"})
	assert.ErrorIs(t, err, ErrInactiveExists)

	// A different type is a separate slot.
	_, err = s.Insert(ctx, "user1", TypeOAuth2, Details{Secret: "e"})
	assert.NoError(t, err)
}

func TestStore_Insert_SecretGeneration(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	// basic-auth never auto-generates.
	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{})
	assert.ErrorIs(t, err, ErrSecretRequired)

	// oauth2 auto-generates when the secret is omitted; the plaintext is
	// returned exactly once.
	cred, err := s.Insert(ctx, "app1", TypeOAuth2, Details{})
	require.NoError(t, err)
	require.NotEmpty(t, cred.PlaintextSecret)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cred.Secret), []byte(cred.PlaintextSecret)))

	got, err := s.Get(ctx, "app1", TypeOAuth2, true)
	require.NoError(t, err)
	assert.Empty(t, got.PlaintextSecret)
}

func TestStore_Insert_KeyStyle(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, "user1", TypeKeyAuth, Details{})
	require.NoError(t, err)
	second, err := s.Insert(ctx, "user1", TypeKeyAuth, Details{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEmpty(t, first.PlaintextSecret)
	assert.Equal(t, "user1", first.ConsumerID)

	// Both keys are reachable through the consumer's reverse index.
	creds, err := s.ByConsumer(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestStore_Insert_UnknownType(t *testing.T) {
	s, _ := setupCredentialStore(t)

	_, err := s.Insert(context.Background(), "user1", Type("totp"), Details{Secret: "x"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestStore_Insert_UnregisteredScope(t *testing.T) {
	s, scopes := setupCredentialStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x", Scopes: []string{"read"}})
	assert.ErrorIs(t, err, ErrScopeNotFound)

	require.NoError(t, scopes.Insert(ctx, "read"))
	cred, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x", Scopes: []string{"read"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, cred.Scopes)
}

func TestStore_Insert_PropertyValidation(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "app1", TypeOAuth2, Details{
		Secret:     "x",
		Properties: map[string]string{"unknown": "v"},
	})
	assert.ErrorIs(t, err, ErrPropertyUnknown)

	cred, err := s.Insert(ctx, "app1", TypeOAuth2, Details{
		Secret:     "x",
		Properties: map[string]string{"redirectURI": "https://example.com/cb"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cb", cred.Properties["redirectURI"])
}

func TestStore_Get(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "absent", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.Get(ctx, "id", Type("nope"), false)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x"})
	require.NoError(t, err)

	// Secret stripped by default, included on request.
	got, err = s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)

	got, err = s.Get(ctx, "user1", TypeBasicAuth, true)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Secret)
}

func TestStore_ActivateDeactivate(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Deactivate(ctx, "absent", TypeBasicAuth), ErrNotFound)

	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Deactivate(ctx, "user1", TypeBasicAuth))
	got, err := s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, s.Activate(ctx, "user1", TypeBasicAuth))
	got, err = s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestStore_Update(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "app1", TypeOAuth2, Details{Secret: "x"})
	require.NoError(t, err)

	cred, err := s.Update(ctx, "app1", TypeOAuth2, map[string]string{"redirectURI": "https://a/cb"})
	require.NoError(t, err)
	assert.Equal(t, "https://a/cb", cred.Properties["redirectURI"])

	_, err = s.Update(ctx, "app1", TypeOAuth2, map[string]string{"nope": "v"})
	assert.ErrorIs(t, err, ErrPropertyUnknown)

	_, err = s.Update(ctx, "absent", TypeOAuth2, map[string]string{"redirectURI": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Update_ImmutableProperty(t *testing.T) {
	s, _ := setupCredentialStore(t)
	ctx := context.Background()

	key, err := s.Insert(ctx, "user1", TypeJWT, Details{})
	require.NoError(t, err)
	assert.Equal(t, "HS256", key.Properties["algorithm"])

	_, err = s.Update(ctx, key.ID, TypeJWT, map[string]string{"algorithm": "RS256"})
	assert.ErrorIs(t, err, ErrPropertyImmutable)
}

func TestStore_ScopeUpdates(t *testing.T) {
	s, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read", "write", "admin"))
	_, err := s.Insert(ctx, "app1", TypeOAuth2, Details{Secret: "x", Scopes: []string{"read"}})
	require.NoError(t, err)

	cred, err := s.AddScopes(ctx, "app1", TypeOAuth2, []string{"write", "read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, cred.Scopes)

	cred, err = s.RemoveScopes(ctx, "app1", TypeOAuth2, []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, cred.Scopes)

	cred, err = s.SetScopes(ctx, "app1", TypeOAuth2, []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, cred.Scopes)

	_, err = s.AddScopes(ctx, "app1", TypeOAuth2, []string{"ghost"})
	assert.ErrorIs(t, err, ErrScopeNotFound)
}

func TestStore_RemoveAllCredentials(t *testing.T) {
	s, scopes := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, scopes.Insert(ctx, "read"))

	_, err := s.Insert(ctx, "user1", TypeBasicAuth, Details{Secret: "x", Scopes: []string{"read"}})
	require.NoError(t, err)
	key, err := s.Insert(ctx, "user1", TypeKeyAuth, Details{})
	require.NoError(t, err)

	require.NoError(t, s.RemoveAllCredentials(ctx, "user1"))

	got, err := s.Get(ctx, "user1", TypeBasicAuth, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Get(ctx, key.ID, TypeKeyAuth, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	creds, err := s.ByConsumer(ctx, "user1")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestResolveProperties(t *testing.T) {
	t.Parallel()

	desc := &Descriptor{
		Type: "test",
		Properties: []PropertySpec{
			{Name: "region", Required: true},
			{Name: "env", Default: "prod"},
			{Name: "note", Mutable: true},
		},
	}

	_, err := resolveProperties(desc, nil)
	assert.ErrorIs(t, err, ErrPropertyRequired)

	props, err := resolveProperties(desc, map[string]string{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "eu", "env": "prod"}, props)

	_, err = resolveProperties(desc, map[string]string{"region": "eu", "bogus": "v"})
	assert.ErrorIs(t, err, ErrPropertyUnknown)
}
