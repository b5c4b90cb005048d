//go:build integration
// +build integration

package test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/MrEthical07/sessionguard"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/token/gormstore"
)

// backend is one Redis plus one SQL database the suite runs against.
type backend struct {
	name  string
	setup func(t *testing.T) (redis.UniversalClient, *gorm.DB, func())
}

// backends always includes miniredis with in-memory SQLite. REDIS_ADDR and
// DATABASE_URL add a run against real servers.
func backends(t *testing.T) []backend {
	t.Helper()
	out := []backend{{
		name: "miniredis+sqlite",
		setup: func(t *testing.T) (redis.UniversalClient, *gorm.DB, func()) {
			t.Helper()
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis: %v", err)
			}
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			db := openMigrated(t, func() (*gorm.DB, error) { return gormstore.OpenSQLite(":memory:") })
			return rdb, db, func() { _ = rdb.Close(); mr.Close() }
		},
	}}

	addr, dsn := os.Getenv("REDIS_ADDR"), os.Getenv("DATABASE_URL")
	if addr != "" && dsn != "" {
		out = append(out, backend{
			name: "redis+postgres",
			setup: func(t *testing.T) (redis.UniversalClient, *gorm.DB, func()) {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				rdb.FlushDB(context.Background())
				db := openMigrated(t, func() (*gorm.DB, error) { return gormstore.OpenPostgres(dsn) })
				db.Exec("DELETE FROM refresh_tokens")
				return rdb, db, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}
	return out
}

func openMigrated(t *testing.T, open func() (*gorm.DB, error)) *gorm.DB {
	t.Helper()
	db, err := open()
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	if err := gormstore.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newGuard(t *testing.T, rdb redis.UniversalClient, db *gorm.DB, mutate func(*sessionguard.Config)) (*sessionguard.Guard, *audit.MemorySink) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfg := sessionguard.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.Audit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	sink := &audit.MemorySink{}
	g, err := sessionguard.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithTokenStore(gormstore.New(db)).
		WithAuditSink(sink).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g, sink
}
