// Package cli implements the oppctl command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/david/opportunity-validator/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "oppctl",
	Short: "Validate, score and deduplicate business opportunities",
	Long: `oppctl runs the opportunity validator from the command line.

It applies the simplicity constraint to scored opportunities, computes the
weighted total, and groups equivalent concepts by fingerprint. Batches can
be dry-run, or persisted to Postgres or a local SQLite file.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.oppv/config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig wires OPPV_* environment variables into viper. The YAML file
// itself is read by config.Load so ${VAR} expansion applies to it.
func initConfig() {
	if cfgFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".oppv", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				cfgFile = candidate
			}
		}
	}

	viper.SetEnvPrefix("OPPV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if verbose && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", cfgFile)
	}
}

// overridableKeys are the settings flags and OPPV_* env vars may change.
var overridableKeys = []string{
	"database.driver",
	"database.url",
	"database.sqlite_path",
	"validation.workers",
	"validation.check_duplicates",
	"ollama.host",
	"ollama.model",
}

// loadConfig returns the file configuration with flag and env overrides
// applied on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	for _, key := range overridableKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch key {
		case "database.driver":
			cfg.Database.Driver = viper.GetString(key)
		case "database.url":
			cfg.Database.URL = viper.GetString(key)
		case "database.sqlite_path":
			cfg.Database.SQLitePath = viper.GetString(key)
		case "validation.workers":
			cfg.Validation.Workers = viper.GetInt(key)
		case "validation.check_duplicates":
			cfg.Validation.CheckDuplicates = viper.GetBool(key)
		case "ollama.host":
			cfg.Ollama.Host = viper.GetString(key)
		case "ollama.model":
			cfg.Ollama.Model = viper.GetString(key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
