package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/david/opportunity-validator/internal/db"
)

func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	pending, err := db.PendingMigrations(ctx, pool)
	if err != nil {
		log.Fatalf("Migration check failed: %v", err)
	}
	if len(pending) > 0 {
		fmt.Printf("Pending migrations: %v\n", pending)
	}

	report, err := db.NewStore(pool).Integrity(ctx)
	if err != nil {
		log.Fatalf("Integrity check failed: %v", err)
	}

	for _, c := range report.Checks {
		mark := "ok"
		if c.Violations > 0 {
			mark = "FAIL"
		}
		fmt.Printf("%-30s %-4s %d\n", c.Name, mark, c.Violations)
	}

	if !report.OK() {
		os.Exit(1)
	}
}
