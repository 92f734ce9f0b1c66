package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// fakeClock is a mutable time source for expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setupTokenStore(t *testing.T) (*Store, store.KV, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := store.NewRedisStoreFromClient(client, "test:")

	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptor(key)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	ts := NewStore(kv, enc, time.Hour, 24*time.Hour, WithClock(clock.Now))
	return ts, kv, clock
}

func TestSaveAndGet(t *testing.T) {
	ts, kv, clock := setupTokenStore(t)
	ctx := context.Background()

	tok, err := ts.Save(ctx, Spec{
		ConsumerID: "consumer-1",
		AuthType:   "oauth2",
		Scopes:     []string{"write", "read"},
	}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.NotEmpty(t, tok.ID)
	assert.NotEmpty(t, tok.Secret)
	assert.Equal(t, []string{"read", "write"}, tok.Scopes)
	assert.True(t, tok.ExpiresAt.Equal(clock.Now().Add(time.Hour)))

	got, err := ts.Get(ctx, tok.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, tok.Secret, got.Secret)
	assert.Equal(t, "consumer-1", got.ConsumerID)
	assert.Equal(t, "oauth2", got.AuthType)
	assert.Equal(t, KindAccess, got.Kind)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.False(t, got.Archived)

	// Secret is encrypted at rest.
	raw, err := kv.HGet(ctx, "token:"+tok.ID, "secret")
	require.NoError(t, err)
	assert.NotEqual(t, tok.Secret, raw)
}

func TestGetMissing(t *testing.T) {
	ts, _, _ := setupTokenStore(t)

	tok, err := ts.Get(context.Background(), "no-such-token", false)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestExternalRoundTrip(t *testing.T) {
	ts, _, _ := setupTokenStore(t)

	tok, err := ts.Save(context.Background(), Spec{ConsumerID: "c1"}, KindAccess)
	require.NoError(t, err)

	id, secret, ok := SplitExternal(tok.External())
	require.True(t, ok)
	assert.Equal(t, tok.ID, id)
	assert.Equal(t, tok.Secret, secret)

	_, _, ok = SplitExternal("no-separator")
	assert.False(t, ok)
	_, _, ok = SplitExternal("|secret-only")
	assert.False(t, ok)
	_, _, ok = SplitExternal("id-only|")
	assert.False(t, ok)
}

func TestFind(t *testing.T) {
	ts, _, _ := setupTokenStore(t)
	ctx := context.Background()

	saved, err := ts.Save(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		Scopes:     []string{"read"},
	}, KindAccess)
	require.NoError(t, err)

	found, err := ts.Find(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		Scopes:     []string{"read"},
	}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, saved.ID, found.ID)
	assert.Equal(t, saved.Secret, found.Secret)

	// Scope order does not matter in criteria.
	multi, err := ts.Save(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		Scopes:     []string{"read", "write"},
	}, KindAccess)
	require.NoError(t, err)

	found, err = ts.Find(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		Scopes:     []string{"write", "read"},
	}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, multi.ID, found.ID)

	// Mismatched criteria yield nil without error.
	found, err = ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "basic-auth"}, KindAccess)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = ts.Find(ctx, Spec{ConsumerID: "c1", Scopes: []string{"admin"}}, KindAccess)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = ts.Find(ctx, Spec{ConsumerID: "c2"}, KindAccess)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Kind is always part of the match.
	found, err = ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2", Scopes: []string{"read"}}, KindRefresh)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindMatchesClientBinding(t *testing.T) {
	ts, _, _ := setupTokenStore(t)
	ctx := context.Background()

	bound, err := ts.Save(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		ClientID:   "client-a",
		Scopes:     []string{"read"},
	}, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "client-a", bound.ClientID)

	// Client binding is part of the stored record and round-trips.
	got, err := ts.Get(ctx, bound.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "client-a", got.ClientID)

	// A criteria bound to another client does not match.
	found, err := ts.Find(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		ClientID:   "client-b",
		Scopes:     []string{"read"},
	}, KindAccess)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = ts.Find(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		ClientID:   "client-a",
		Scopes:     []string{"read"},
	}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, bound.ID, found.ID)
}

func TestFindNilScopesMatchesAny(t *testing.T) {
	ts, _, _ := setupTokenStore(t)
	ctx := context.Background()

	saved, err := ts.Save(ctx, Spec{
		ConsumerID: "c1",
		AuthType:   "oauth2",
		Scopes:     []string{"read", "write"},
	}, KindAccess)
	require.NoError(t, err)

	found, err := ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, saved.ID, found.ID)
}

func TestFindOrSave(t *testing.T) {
	ts, _, _ := setupTokenStore(t)
	ctx := context.Background()

	spec := Spec{ConsumerID: "c1", AuthType: "oauth2", Scopes: []string{"read"}}

	first, err := ts.FindOrSave(ctx, spec, KindAccess)
	require.NoError(t, err)
	second, err := ts.FindOrSave(ctx, spec, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.External(), second.External())

	other, err := ts.FindOrSave(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2", Scopes: []string{"write"}}, KindAccess)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestLazyExpiry(t *testing.T) {
	ts, kv, clock := setupTokenStore(t)
	ctx := context.Background()

	tok, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)

	// Expired tokens are withheld and archived on read.
	got, err := ts.Get(ctx, tok.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	archived, err := ts.Get(ctx, tok.ID, true)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.True(t, archived.Archived)
	assert.Equal(t, tok.Secret, archived.Secret)

	// The index entry moved from active to expired.
	active, err := kv.HGetAll(ctx, "consumer-tokens:c1")
	require.NoError(t, err)
	assert.NotContains(t, active, tok.ID)

	expired, err := kv.HGetAll(ctx, "consumer-tokens-expired:c1")
	require.NoError(t, err)
	assert.Contains(t, expired, tok.ID)
}

func TestZeroTTLTokenReturnedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := store.NewRedisStoreFromClient(client, "test:")
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptor(key)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	ts := NewStore(kv, enc, 0, 0, WithClock(clock.Now))
	ctx := context.Background()

	tok, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)

	// At the instant of issue the token is still valid and findable.
	found, err := ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tok.ID, found.ID)

	clock.Advance(time.Nanosecond)

	found, err = ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)
	assert.Nil(t, found)

	got, err := ts.Get(ctx, tok.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	active, err := kv.HGetAll(ctx, "consumer-tokens:c1")
	require.NoError(t, err)
	assert.NotContains(t, active, tok.ID)
}

func TestFindArchivesExpired(t *testing.T) {
	ts, kv, clock := setupTokenStore(t)
	ctx := context.Background()

	old, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	fresh, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)

	found, err := ts.Find(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, fresh.ID, found.ID)

	active, err := kv.HGetAll(ctx, "consumer-tokens:c1")
	require.NoError(t, err)
	assert.NotContains(t, active, old.ID)
	assert.Contains(t, active, fresh.ID)
}

func TestFindOrSaveMintsAfterExpiry(t *testing.T) {
	ts, _, clock := setupTokenStore(t)
	ctx := context.Background()

	spec := Spec{ConsumerID: "c1", AuthType: "oauth2", Scopes: []string{"read"}}

	first, err := ts.FindOrSave(ctx, spec, KindAccess)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	second, err := ts.FindOrSave(ctx, spec, KindAccess)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRevoke(t *testing.T) {
	ts, _, _ := setupTokenStore(t)
	ctx := context.Background()

	tok, err := ts.Save(ctx, Spec{ConsumerID: "c1"}, KindRefresh)
	require.NoError(t, err)

	require.NoError(t, ts.Revoke(ctx, tok.ID))

	got, err := ts.Get(ctx, tok.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	archived, err := ts.Get(ctx, tok.ID, true)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.True(t, archived.Archived)

	assert.ErrorIs(t, ts.Revoke(ctx, "no-such-token"), ErrNotFound)
}

func TestTokensByConsumer(t *testing.T) {
	ts, _, clock := setupTokenStore(t)
	ctx := context.Background()

	first, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "oauth2"}, KindAccess)
	require.NoError(t, err)
	second, err := ts.Save(ctx, Spec{ConsumerID: "c1", AuthType: "key-auth"}, KindAccess)
	require.NoError(t, err)
	_, err = ts.Save(ctx, Spec{ConsumerID: "c2"}, KindAccess)
	require.NoError(t, err)

	tokens, err := ts.TokensByConsumer(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	ids := []string{tokens[0].ID, tokens[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	require.NoError(t, ts.Revoke(ctx, first.ID))

	tokens, err = ts.TokensByConsumer(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, second.ID, tokens[0].ID)

	tokens, err = ts.TokensByConsumer(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	clock.Advance(2 * time.Hour)
	tokens, err = ts.TokensByConsumer(ctx, "c1", false)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRefreshTokenTTL(t *testing.T) {
	ts, _, clock := setupTokenStore(t)
	ctx := context.Background()

	tok, err := ts.Save(ctx, Spec{ConsumerID: "c1"}, KindRefresh)
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))

	clock.Advance(2 * time.Hour)

	// Refresh tokens outlive the access TTL.
	got, err := ts.Get(ctx, tok.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSaveRequiresConsumer(t *testing.T) {
	ts, _, _ := setupTokenStore(t)

	_, err := ts.Save(context.Background(), Spec{}, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ts.Find(context.Background(), Spec{}, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
