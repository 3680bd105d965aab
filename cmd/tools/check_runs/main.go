package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/opportunity-validator/internal/db"
)

func main() {
	limit := flag.Int("limit", 10, "number of runs to show")
	flag.Parse()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).ListValidationRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Total", "Approved", "Disqualified", "Errored", "Unique", "Duplicate", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			shortID(r.RunID), r.Status, r.Total, r.Approved, r.Disqualified, r.Errored,
			r.Unique, r.Duplicate, duration, r.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
