package cli

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/ingest"
	"github.com/david/opportunity-validator/internal/models"
)

func TestDecodeRecords(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		recs, err := decodeRecords([]byte(`[{"id":"a","concept_description":"x","function_list":["one"]}]`))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a", recs[0].ID)
		assert.Equal(t, []string{"one"}, recs[0].FunctionList)
	})

	t.Run("wrapped", func(t *testing.T) {
		recs, err := decodeRecords([]byte(`  {"records":[{"id":"a"},{"id":"b"}]}`))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := decodeRecords([]byte("  \n"))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeRecords([]byte(`[{"id":`))
		assert.Error(t, err)
	})
}

func TestLoadConfig_ViperOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("DB_DRIVER", "")

	viper.Set("database.driver", "sqlite")
	viper.Set("validation.workers", 7)
	viper.Set("validation.check_duplicates", false)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Validation.Workers)
	assert.False(t, cfg.Validation.CheckDuplicates)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("database.driver", "mysql")
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestFingerprintCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"fingerprint", "Invoice", "tracking", "for", "freelancers"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), dedup.Fingerprint("Invoice tracking for freelancers"))
	assert.Contains(t, out.String(), "normalized:")
}

func TestFingerprintCommand_Empty(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"fingerprint", "   "})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	assert.ErrorIs(t, err, dedup.ErrEmptyConcept)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), ingest.ConstraintVersion)
}

type fakeScorer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeScorer) Score(_ context.Context, desc string, _ []string) (models.DimensionScores, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return models.DimensionScores{
		models.DimensionMarketDemand:          60,
		models.DimensionPainIntensity:         70,
		models.DimensionMonetizationPotential: 50,
		models.DimensionMarketGap:             40,
		models.DimensionTechnicalFeasibility:  90,
	}, nil
}

func fullyScored() models.DimensionScores {
	return models.DimensionScores{
		models.DimensionMarketDemand:          80,
		models.DimensionPainIntensity:         85,
		models.DimensionMonetizationPotential: 78,
		models.DimensionMarketGap:             72,
		models.DimensionTechnicalFeasibility:  95,
	}
}

func TestScoreRecords_FillsOnlyMissing(t *testing.T) {
	records := []ingest.RawOpportunity{
		{ID: "a", ConceptDescription: "needs scores", FunctionList: []string{"Track invoices"}},
		{ID: "b", ConceptDescription: "already scored", DimensionScores: fullyScored()},
		{ID: "c", ConceptDescription: "partial", DimensionScores: models.DimensionScores{models.DimensionMarketGap: 10}},
	}
	scorer := &fakeScorer{}

	n, err := scoreRecords(context.Background(), scorer, records, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"needs scores", "partial"}, scorer.calls)

	assert.Equal(t, 60.0, records[0].DimensionScores[models.DimensionMarketDemand])
	assert.Equal(t, 80.0, records[1].DimensionScores[models.DimensionMarketDemand])
	assert.Equal(t, 40.0, records[2].DimensionScores[models.DimensionMarketGap])
	assert.True(t, hasUpstreamScores(records[2].DimensionScores))
}

func TestScoreRecords_Overwrite(t *testing.T) {
	records := []ingest.RawOpportunity{
		{ID: "b", ConceptDescription: "already scored", DimensionScores: fullyScored()},
	}
	n, err := scoreRecords(context.Background(), &fakeScorer{}, records, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 60.0, records[0].DimensionScores[models.DimensionMarketDemand])
}

func TestScoreRecords_Error(t *testing.T) {
	boom := errors.New("model unavailable")
	records := []ingest.RawOpportunity{{ID: "a", ConceptDescription: "x"}}

	_, err := scoreRecords(context.Background(), &fakeScorer{err: boom}, records, 1, false)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "score a")
}

func TestRenderReport(t *testing.T) {
	var out bytes.Buffer
	renderReport(&out, ingest.BatchReport{
		Stats: ingest.BatchStats{Total: 1, Approved: 1},
		Records: []ingest.RecordSummary{
			{Index: 0, ID: "a", Outcome: "approved", TotalScore: 84.8, FunctionCount: 1},
		},
	})
	assert.Contains(t, out.String(), "84.8")
	assert.Contains(t, out.String(), "approved")
}
