package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/david/opportunity-validator/internal/config"
	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/ingest"
	"github.com/david/opportunity-validator/internal/models"
)

type output struct {
	Scanned      int            `json:"scanned"`
	Changed      int            `json:"changed"`
	Failed       int            `json:"failed"`
	DryRun       bool           `json:"dry_run"`
	Outcomes     map[string]int `json:"outcomes"`
	ChangedIDs   []string       `json:"changed_ids,omitempty"`
	DurationText string         `json:"duration"`
}

// revalidate re-runs the constraint validator over every stored record and
// reports which ones would change. With unchanged inputs and weights the
// expected change count is zero.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	batchSize := flag.Int("batch-size", 500, "rows fetched per page")
	apply := flag.Bool("apply", false, "write changed records back")
	timeoutSec := flag.Int("timeout-sec", 600, "overall timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	weights, err := cfg.ScoringWeights()
	if err != nil {
		log.Fatalf("weights: %v", err)
	}
	validator, err := ingest.NewConstraintValidator(weights)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	pool, err := db.ConnectURL(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	start := time.Now()
	result := output{DryRun: !*apply, Outcomes: map[string]int{}}

	err = store.EachOpportunity(ctx, *batchSize, func(stored models.Opportunity) error {
		result.Scanned++
		validatedAt := time.Now().UTC()
		if stored.ValidatedAt != nil {
			validatedAt = *stored.ValidatedAt
		}

		decision, err := validator.Validate(ingest.RawFromStored(stored), validatedAt)
		if err != nil {
			result.Failed++
			log.Printf("[Warn] revalidate %s: %v", stored.ID, err)
			return nil
		}
		result.Outcomes[string(decision.Outcome)]++

		if !validationChanged(stored, decision.Opportunity) {
			return nil
		}
		result.Changed++
		result.ChangedIDs = append(result.ChangedIDs, stored.ID)
		if !*apply {
			return nil
		}
		if _, err := store.UpdateValidation(ctx, decision.Opportunity); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		log.Fatalf("revalidate failed: %v", err)
	}
	result.DurationText = time.Since(start).Round(time.Millisecond).String()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func validationChanged(before, after models.Opportunity) bool {
	if before.IsDisqualified != after.IsDisqualified ||
		before.TotalScore != after.TotalScore ||
		before.FunctionCount != after.FunctionCount ||
		before.ViolationReason != after.ViolationReason ||
		before.ConstraintVersion != after.ConstraintVersion {
		return true
	}
	if len(before.CoreFunctions) != len(after.CoreFunctions) {
		return true
	}
	for i := range before.CoreFunctions {
		if before.CoreFunctions[i] != after.CoreFunctions[i] {
			return true
		}
	}
	for _, d := range models.Dimensions {
		if before.DimensionScores[d] != after.DimensionScores[d] {
			return true
		}
	}
	return false
}
