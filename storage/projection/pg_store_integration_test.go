//go:build integration

package projection

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGStore(t *testing.T) {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewPGStore(ctx, dsn, true)
		if err != nil {
			t.Fatalf("failed to create PG store: %v", err)
		}
		if _, err := store.pool.Exec(ctx, `TRUNCATE escrow_jobs, escrow_submissions`); err != nil {
			t.Fatalf("failed to reset tables: %v", err)
		}
		t.Cleanup(store.Close)
		return store
	})
}
