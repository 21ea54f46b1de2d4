// Command migrate-json-to-postgres copies a JSON datastore into Postgres and
// verifies the row counts afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"clipflow/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/clipflow.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CLIPFLOW_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, CLIPFLOW_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON datastore", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON datastore", "path", *jsonPath,
		"sessions", counts.Sessions, "assets", counts.Assets, "jobs", counts.Jobs)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.ImportSnapshotToPostgres(ctx, pool, snapshot); err != nil {
		logger.Error("failed to import datastore", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, pool, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed",
		"sessions", counts.Sessions, "assets", counts.Assets, "jobs", counts.Jobs)
}

func verifyCounts(ctx context.Context, pool *pgxpool.Pool, counts storage.SnapshotCounts) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"upload_sessions", "SELECT COUNT(*) FROM upload_sessions", counts.Sessions},
		{"assets", "SELECT COUNT(*) FROM assets", counts.Assets},
		{"transcode_jobs", "SELECT COUNT(*) FROM transcode_jobs", counts.Jobs},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
