//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigrationsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ladder"),
		postgres.WithUsername("ladder"),
		postgres.WithPassword("ladder"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	dir := t.TempDir()
	sql := "CREATE TABLE evaluations (id TEXT PRIMARY KEY, decision TEXT NOT NULL);"
	if err := os.WriteFile(filepath.Join(dir, "0001_init.sql"), []byte(sql), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}

	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		t.Fatalf("runMigrations: %+v", err)
	}

	var recorded bool
	err = pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='0001_init.sql')",
	).Scan(&recorded)
	if err != nil || !recorded {
		t.Fatalf("migration not recorded: recorded=%v err=%v", recorded, err)
	}
	if _, err := pool.Exec(ctx,
		"INSERT INTO evaluations (id, decision) VALUES ('ev-1', 'pass')",
	); err != nil {
		t.Fatalf("migrated table not usable: %v", err)
	}

	// Applying twice is a no-op.
	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		t.Fatalf("second runMigrations: %+v", err)
	}
}
