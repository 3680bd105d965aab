package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/david/opportunity-validator/internal/config"
	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/ingest"
	"github.com/david/opportunity-validator/internal/localstore"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <file.json>",
	Short: "Validate, persist and deduplicate a batch",
	Long: `Run validates every record, stores it, and resolves duplicate concepts
by fingerprint. Results go to Postgres or to a local SQLite file depending
on database.driver.

Example:
  oppctl run batch.json
  oppctl run batch.json --driver sqlite --sqlite-path ./oppv.db --workers 8`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("driver", "", "storage driver (postgres, sqlite)")
	runCmd.Flags().String("database-url", "", "Postgres connection URL")
	runCmd.Flags().String("sqlite-path", "", "SQLite database file")
	runCmd.Flags().Int("workers", 0, "number of concurrent workers")
	runCmd.Flags().Bool("check-duplicates", true, "resolve duplicate concepts")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "total timeout")

	_ = viper.BindPFlag("database.driver", runCmd.Flags().Lookup("driver"))
	_ = viper.BindPFlag("database.url", runCmd.Flags().Lookup("database-url"))
	_ = viper.BindPFlag("database.sqlite_path", runCmd.Flags().Lookup("sqlite-path"))
	_ = viper.BindPFlag("validation.workers", runCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("validation.check_duplicates", runCmd.Flags().Lookup("check-duplicates"))
}

// batchStore is what a persisted run needs from either backend.
type batchStore interface {
	ingest.OpportunityStore
	ingest.RunRecorder
	ingest.ValidationErrorWriter
	dedup.ConceptStore
}

func openBatchStore(ctx context.Context, cfg *config.Config) (batchStore, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := localstore.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		pool, err := db.ConnectURL(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return db.NewStore(pool), pool.Close, nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	store, closeStore, err := openBatchStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer closeStore()

	p := ingest.NewPipeline(validator, store, dedup.NewResolver(store))
	p.Runs = store
	p.Sink = ingest.StoreSink{Writer: store}

	res, err := p.ProcessBatch(ctx, records, ingest.BatchOptions{
		CheckDuplicates: cfg.Validation.CheckDuplicates,
		Workers:         cfg.Validation.Workers,
		Source:          filepath.Base(args[0]),
	})
	if jsonOutput {
		if encErr := writeJSON(os.Stdout, res.Report()); encErr != nil && err == nil {
			err = encErr
		}
	} else {
		renderReport(os.Stdout, res.Report())
	}
	return err
}
