package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers/devkit"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	store, err := New(client, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})
	return store, mr
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	_, err := store.Get(ctx, "ratelimit:login")
	require.ErrorIs(t, err, core.ErrStorageNotFound)

	require.NoError(t, store.Set(ctx, "ratelimit:login", []byte("[1,2,3]"), time.Minute))
	require.True(t, mr.Exists(DefaultPrefix+"ratelimit:login"))

	got, err := store.Get(ctx, "ratelimit:login")
	require.NoError(t, err)
	require.Equal(t, "[1,2,3]", string(got))

	require.NoError(t, store.Delete(ctx, "ratelimit:login"))
	require.False(t, mr.Exists(DefaultPrefix+"ratelimit:login"))
}

func TestStore_TTLExpiresKeys(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, WithPrefix("test:"))

	require.NoError(t, store.Set(ctx, "session:meta", []byte("{}"), 30*time.Second))
	require.Equal(t, 30*time.Second, mr.TTL("test:session:meta"))

	mr.FastForward(31 * time.Second)
	_, err := store.Get(ctx, "session:meta")
	require.ErrorIs(t, err, core.ErrStorageNotFound)

	require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))
	require.Equal(t, time.Duration(0), mr.TTL("test:forever"))
}

func TestStore_ReportsConnectionErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := New(rdb.NewClient(&rdb.Options{Addr: mr.Addr(), MaxRetries: -1}))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	mr.Close()

	_, err = store.Get(context.Background(), "anything")
	require.Error(t, err)
	require.NotErrorIs(t, err, core.ErrStorageNotFound)
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestStore_KeyValueConformance(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, devkit.ValidateKeyValueStoreConformance(context.Background(), store))
}
