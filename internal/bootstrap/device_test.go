package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/adapter/cache"
	"github.com/flexa/flexa-android-sub000/internal/domain"
)

func TestPrepareDeviceAssignsStableIDAndPrunes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ctx := context.Background()
	store := cache.NewRedisStore(client, "")
	brands := cache.NewRedisBrandSessionRepo(client, node, "")
	now := time.Now()

	_, err = brands.Save(ctx, domain.BrandSession{SessionID: "cs_old", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	_, err = brands.Save(ctx, domain.BrandSession{SessionID: "cs_new", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)

	require.NoError(t, prepareDevice(ctx, store, brands, now, zap.NewNop()))
	first, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, prepareDevice(ctx, store, brands, now, nil))
	second, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = brands.GetBySessionID(ctx, "cs_old")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = brands.GetBySessionID(ctx, "cs_new")
	require.NoError(t, err)
}
