package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-authsession/core"
	authmigrations "github.com/goliatone/go-authsession/migrations"
	"github.com/goliatone/go-authsession/ratelimit"
	"github.com/goliatone/go-authsession/providers/devkit"
	sqlstore "github.com/goliatone/go-authsession/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool                { return false }
func (c testPersistenceConfig) GetDriver() string             { return c.driver }
func (c testPersistenceConfig) GetServer() string             { return c.server }
func (c testPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c testPersistenceConfig) GetOtelIdentifier() string     { return "go-authsession-tests" }

func newSQLiteClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:authsession-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, authmigrations.RegisterWithClient(ctx, client, authmigrations.DialectSQLite))
	require.NoError(t, client.Migrate(ctx))
	return client
}

func TestStore_SetGetDeleteAgainstMigratedSchema(t *testing.T) {
	ctx := context.Background()
	store, err := sqlstore.NewStoreFromPersistence(newSQLiteClient(t))
	require.NoError(t, err)

	_, err = store.Get(ctx, "session:meta")
	require.ErrorIs(t, err, core.ErrStorageNotFound)

	require.NoError(t, store.Set(ctx, "session:meta", []byte(`{"provider":"backend"}`), 0))
	got, err := store.Get(ctx, "session:meta")
	require.NoError(t, err)
	require.JSONEq(t, `{"provider":"backend"}`, string(got))

	require.NoError(t, store.Set(ctx, "session:meta", []byte(`{"provider":"oauth"}`), time.Hour))
	got, err = store.Get(ctx, "session:meta")
	require.NoError(t, err)
	require.JSONEq(t, `{"provider":"oauth"}`, string(got))

	require.NoError(t, store.Delete(ctx, "session:meta"))
	_, err = store.Get(ctx, "session:meta")
	require.ErrorIs(t, err, core.ErrStorageNotFound)

	require.Error(t, store.Set(ctx, "  ", []byte("v"), 0))
}

func TestStore_ExpiredEntriesReadAsMissing(t *testing.T) {
	ctx := context.Background()
	store, err := sqlstore.NewStoreFromPersistence(newSQLiteClient(t))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	require.NoError(t, store.Set(ctx, "long", []byte("v"), time.Hour))
	time.Sleep(30 * time.Millisecond)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	_, err = store.Get(ctx, "short")
	require.ErrorIs(t, err, core.ErrStorageNotFound)
	_, err = store.Get(ctx, "long")
	require.NoError(t, err)
}

func TestOpen_CreatesSchemaAndBacksRateLimiter(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:authsession-open-%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.DB().Close() })

	limiter := ratelimit.NewSlidingWindowLimiter(store, core.RateLimitConfig{
		Actions: map[string]core.RateLimitRule{"login": {Max: 2, Window: time.Minute}},
	})
	require.True(t, limiter.CheckRateLimit(ctx, "login").Allowed)
	require.True(t, limiter.CheckRateLimit(ctx, "login").Allowed)
	decision := limiter.CheckRateLimit(ctx, "login")
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))

	payload, err := store.Get(ctx, ratelimit.DefaultKeyPrefix+"login")
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func TestOpenDB_RejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.OpenDB("oracle", "dsn")
	require.Error(t, err)
	_, err = sqlstore.NewStoreFromPersistence(nil)
	require.Error(t, err)
}

func TestStore_KeyValueConformance(t *testing.T) {
	store, err := sqlstore.NewStoreFromPersistence(newSQLiteClient(t))
	require.NoError(t, err)
	require.NoError(t, devkit.ValidateKeyValueStoreConformance(context.Background(), store))
}
