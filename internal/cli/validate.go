package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/david/opportunity-validator/internal/ingest"
)

var (
	jsonOutput      bool
	validateTimeout time.Duration
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.json>",
	Short: "Dry-run the constraint validator over a batch",
	Long: `Validate applies function extraction, the simplicity constraint and
scoring to every record in the file without persisting anything.

Example:
  oppctl validate batch.json
  oppctl validate - --json < batch.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	validateCmd.Flags().DurationVar(&validateTimeout, "timeout", 5*time.Minute, "total timeout")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	weights, err := cfg.ScoringWeights()
	if err != nil {
		return err
	}
	validator, err := ingest.NewConstraintValidator(weights)
	if err != nil {
		return err
	}
	records, err := readRecords(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
	defer cancel()

	p := ingest.NewPipeline(validator, nil, nil)
	if !verbose {
		p.Sink = nil
	}
	res, err := p.ProcessBatch(ctx, records, ingest.BatchOptions{Workers: cfg.Validation.Workers})
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(os.Stdout, res.Report())
	}
	renderReport(os.Stdout, res.Report())
	return nil
}
