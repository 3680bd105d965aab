package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/david/opportunity-validator/internal/dedup"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <text>",
	Short: "Print the normalized form and fingerprint of a concept description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		normalized := dedup.Normalize(text)
		if normalized == "" {
			return dedup.ErrEmptyConcept
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "normalized:  %s\n", normalized)
		fmt.Fprintf(out, "fingerprint: %s\n", dedup.Fingerprint(text))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "oppctl %s (constraint version %s)\n", version, constraintVersion())
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(versionCmd)
}
