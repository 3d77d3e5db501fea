package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStoreSessionPointers(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "")
	ctx := context.Background()

	id, err := store.LastSessionID(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, store.SetLastSessionID(ctx, "cs_1"))
	require.NoError(t, store.SetLastEventID(ctx, "ev_9"))

	id, err = store.LastSessionID(ctx)
	require.NoError(t, err)
	require.Equal(t, "cs_1", id)

	require.NoError(t, store.ClearLastEventID(ctx))
	ev, err := store.LastEventID(ctx)
	require.NoError(t, err)
	require.Empty(t, ev)
}

func TestRedisStoreDeviceIDIsStable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "test")
	ctx := context.Background()

	require.NoError(t, store.SetDeviceID(ctx, "dev-1"))
	require.NoError(t, store.SetDeviceID(ctx, "dev-2"))

	got, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, "dev-1", got)
	require.True(t, mr.Exists("test:unique_identifier"))
}

func TestRedisStorePinnedBrandsAndToken(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.SetPinnedBrands(ctx, []string{"b1", "b2"}))
	brands, err := store.PinnedBrands(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, brands)

	tok, err := store.LoadToken(ctx)
	require.NoError(t, err)
	require.Nil(t, tok)

	saved := domain.StoredToken{Token: domain.AuthToken{ID: "t1", Value: "v", Scope: domain.ScopeAPI}, Verifier: "ver"}
	require.NoError(t, store.SaveToken(ctx, saved))
	tok, err = store.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "ver", tok.Verifier)
	require.Equal(t, "t1", tok.Token.ID)

	require.NoError(t, store.DeleteToken(ctx))
	tok, err = store.LoadToken(ctx)
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestRedisBrandSessionRepo(t *testing.T) {
	_, client := newTestRedis(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := NewRedisBrandSessionRepo(client, node, "")
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = repo.GetBySessionID(ctx, "cs_1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	first, err := repo.Save(ctx, domain.BrandSession{SessionID: "cs_1", TransactionID: "tx_1", ExpiresAt: now.Add(time.Hour), Legacy: true})
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	updated, err := repo.Save(ctx, domain.BrandSession{SessionID: "cs_1", TransactionID: "tx_2", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, first.ID, updated.ID)
	require.True(t, updated.Legacy)
	require.Equal(t, "tx_2", updated.TransactionID)

	_, err = repo.Save(ctx, domain.BrandSession{SessionID: "cs_old", ExpiresAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = repo.GetBySessionID(ctx, "cs_old")
	require.ErrorIs(t, err, domain.ErrNotFound)
	got, err := repo.GetBySessionID(ctx, "cs_1")
	require.NoError(t, err)
	require.Equal(t, "tx_2", got.TransactionID)
}
