package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect oppctl configuration",
	Long: `Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (OPPV_*, plus DATABASE_URL, PORT, OLLAMA_HOST, JWT_SECRET, ADMIN_SECRET)
3. Config file (--config or ~/.oppv/config.yaml)
4. Embedded defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", cfgFile)
		} else {
			fmt.Fprintf(os.Stderr, "No configuration file found (using defaults)\n\n")
		}

		// never echo secrets
		if cfg.Auth.JWTSecret != "" {
			cfg.Auth.JWTSecret = "********"
		}
		if cfg.Auth.AdminSecret != "" {
			cfg.Auth.AdminSecret = "********"
		}

		yamlData, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(yamlData))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
