package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/store"
)

func main() {
	// Load reads .env when present
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName,
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1Schema(ctx, conn)
	step2Verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1: driver_alerts table and indexes
// ─────────────────────────────────────────────────────────────
func step1Schema(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: driver_alerts schema ────────────────")

	// Same statements the service runs on `busalert migrate`
	for _, step := range store.PostgresSchema {
		execOrFatal(ctx, conn, step.SQL, step.Name)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 2: Verify everything was created
// ─────────────────────────────────────────────────────────────
func step2Verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = 'driver_alerts'
		)
	`).Scan(&exists)
	if err != nil || !exists {
		log.Fatalf("Table driver_alerts was not created: %v", err)
	}
	fmt.Println("  ✓ table: driver_alerts")

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = 'driver_alerts'
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
