package cli

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/david/opportunity-validator/internal/ai"
	"github.com/david/opportunity-validator/internal/ingest"
	"github.com/david/opportunity-validator/internal/models"
)

var (
	scoreOut         string
	scoreConcurrency int
	scoreTimeout     time.Duration
	scoreOverwrite   bool
)

var scoreCmd = &cobra.Command{
	Use:   "score <file.json>",
	Short: "Fill in the five upstream dimension scores with a local model",
	Long: `Score asks an Ollama model for market_demand, pain_intensity,
monetization_potential, market_gap and technical_feasibility for every record
that lacks them, and writes the enriched batch as JSON.

Example:
  oppctl score ideas.json --out scored.json
  oppctl score ideas.json --concurrency 2 | oppctl validate -`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().StringVar(&scoreOut, "out", "-", "output file (- for stdout)")
	scoreCmd.Flags().IntVar(&scoreConcurrency, "concurrency", 2, "concurrent model calls")
	scoreCmd.Flags().DurationVar(&scoreTimeout, "timeout", 30*time.Minute, "total timeout")
	scoreCmd.Flags().BoolVar(&scoreOverwrite, "overwrite", false, "rescore records that already have scores")
}

func hasUpstreamScores(s models.DimensionScores) bool {
	for _, d := range models.Dimensions {
		if d == models.DimensionSimplicity {
			continue
		}
		if _, ok := s[d]; !ok {
			return false
		}
	}
	return true
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	records, err := readRecords(args[0])
	if err != nil {
		return err
	}

	client := ai.NewOllamaClient(cfg.Ollama.Host, cfg.Ollama.EmbedModel, cfg.Ollama.Model,
		cfg.Ollama.RateLimitRPS, time.Duration(cfg.Ollama.TimeoutSeconds)*time.Second)
	scorer := ai.NewDimensionScorer(client)

	ctx, cancel := context.WithTimeout(cmd.Context(), scoreTimeout)
	defer cancel()

	scored, err := scoreRecords(ctx, scorer, records, scoreConcurrency, scoreOverwrite)
	if err != nil {
		return err
	}
	color.New(color.FgCyan).Fprintf(os.Stderr, "Scored %d of %d records\n", scored, len(records))

	if scoreOut == "-" {
		return writeJSON(os.Stdout, records)
	}
	f, err := os.Create(scoreOut)
	if err != nil {
		return fmt.Errorf("create %s: %w", scoreOut, err)
	}
	defer f.Close()
	return writeJSON(f, records)
}

type conceptScorer interface {
	Score(ctx context.Context, conceptDescription string, coreFunctions []string) (models.DimensionScores, error)
}

// scoreRecords fills missing scores in place. Each goroutine writes only its
// own slice element.
func scoreRecords(ctx context.Context, scorer conceptScorer, records []ingest.RawOpportunity, concurrency int, overwrite bool) (int, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var scored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range records {
		rec := &records[i]
		if !overwrite && hasUpstreamScores(rec.DimensionScores) {
			continue
		}
		g.Go(func() error {
			functions, _ := ingest.ExtractFunctions(ingest.ResolveFunctionSource(*rec))
			scores, err := scorer.Score(gctx, rec.ConceptDescription, functions)
			if err != nil {
				return fmt.Errorf("score %s: %w", rec.ID, err)
			}
			if rec.DimensionScores == nil {
				rec.DimensionScores = models.DimensionScores{}
			} else {
				rec.DimensionScores = rec.DimensionScores.Clone()
			}
			for d, v := range scores {
				rec.DimensionScores[d] = v
			}
			scored.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(scored.Load()), err
	}
	return int(scored.Load()), nil
}
