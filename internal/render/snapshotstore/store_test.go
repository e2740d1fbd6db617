package snapshotstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/littb/snapshot/internal/common/configtypes"
	"github.com/littb/snapshot/internal/common/redis"
	"github.com/littb/snapshot/internal/render/metrics"
)

func newStore(t *testing.T, compression string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := New(client, Options{TTL: time.Hour, Compression: compression}, nil, zap.NewNop())
	return store, mr
}

func TestStore_PutGet(t *testing.T) {
	for _, algorithm := range []string{configtypes.CompressionNone, configtypes.CompressionSnappy, configtypes.CompressionLZ4} {
		t.Run(algorithm, func(t *testing.T) {
			store, mr := newStore(t, algorithm)
			ctx := context.Background()
			key := "html:https://litteraturbanken.se/forfattare/StrindbergA"
			payload := []byte(strings.Repeat("<p>Hemsöborna</p>", 500))

			_, ok := store.Get(ctx, key)
			assert.False(t, ok)

			store.Put(ctx, key, payload)

			got, ok := store.Get(ctx, key)
			require.True(t, ok)
			assert.Equal(t, payload, got)

			redisKey := redis.SnapshotKey("", key)
			assert.True(t, mr.Exists(redisKey))
			assert.Equal(t, time.Hour, mr.TTL(redisKey))
		})
	}
}

func TestStore_ModesAreSeparate(t *testing.T) {
	store, _ := newStore(t, configtypes.CompressionSnappy)
	ctx := context.Background()

	store.Put(ctx, "html:https://litteraturbanken.se/", []byte("<html/>"))
	store.Put(ctx, "preview:https://litteraturbanken.se/", []byte("png"))

	html, ok := store.Get(ctx, "html:https://litteraturbanken.se/")
	require.True(t, ok)
	assert.Equal(t, "<html/>", string(html))

	png, ok := store.Get(ctx, "preview:https://litteraturbanken.se/")
	require.True(t, ok)
	assert.Equal(t, "png", string(png))
}

func TestStore_Expiry(t *testing.T) {
	store, mr := newStore(t, configtypes.CompressionNone)
	ctx := context.Background()

	store.Put(ctx, "html:https://litteraturbanken.se/", []byte("x"))
	mr.FastForward(time.Hour + time.Second)

	_, ok := store.Get(ctx, "html:https://litteraturbanken.se/")
	assert.False(t, ok)
}

func TestStore_CorruptValueIsMiss(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	registry := prometheus.NewRegistry()
	mc := metrics.NewMetricsCollectorWithRegistry("snapshot", registry, zap.NewNop())

	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
	store := New(client, Options{TTL: time.Hour}, mc, zap.New(core))

	key := "html:https://litteraturbanken.se/"
	require.NoError(t, mr.Set(redis.SnapshotKey("", key), "\x07garbage"))

	_, ok := store.Get(context.Background(), key)
	assert.False(t, ok)
	require.Equal(t, 1, logs.FilterMessage("Snapshot store operation failed").Len())
	assert.Equal(t, "decode", logs.All()[0].ContextMap()["op"])
}

func TestStore_RedisDownIsMiss(t *testing.T) {
	store, mr := newStore(t, configtypes.CompressionSnappy)
	mr.Close()
	ctx := context.Background()

	assert.NotPanics(t, func() { store.Put(ctx, "html:x", []byte("y")) })
	_, ok := store.Get(ctx, "html:x")
	assert.False(t, ok)
}

func TestStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	store := New(client, Options{TTL: time.Minute, KeyPrefix: "lb-snap:"}, nil, zap.NewNop())
	store.Put(context.Background(), "html:x", []byte("y"))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "lb-snap:"))
}
