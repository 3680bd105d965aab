package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-validator/internal/scoring"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_MatchesProductionWeights(t *testing.T) {
	cfg := Default()
	w, err := cfg.ScoringWeights()
	require.NoError(t, err)
	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Validation.Workers)
}

func TestLoad_FileOverlayAndEnvExpansion(t *testing.T) {
	t.Setenv("OPPV_TEST_DB", "/tmp/oppv-test.db")
	path := writeConfig(t, `
database:
  driver: sqlite
  sqlite_path: ${OPPV_TEST_DB}
validation:
  workers: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/oppv-test.db", cfg.Database.SQLitePath)
	assert.Equal(t, 8, cfg.Validation.Workers)
	// untouched keys keep their defaults
	assert.True(t, cfg.Validation.CheckDuplicates)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://example/db")
	path := writeConfig(t, "server:\n  port: \"7070\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://example/db", cfg.Database.URL)
}

func TestLoad_RejectsBadWeights(t *testing.T) {
	path := writeConfig(t, `
validation:
  weights:
    market_demand: 0.5
    pain_intensity: 0.25
    monetization_potential: 0.20
    market_gap: 0.10
    technical_feasibility: 0.05
    simplicity: 0.20
`)
	_, err := Load(path)
	require.ErrorIs(t, err, scoring.ErrConfiguration)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: mysql\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, scoring.ErrConfiguration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
