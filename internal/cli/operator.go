package cli

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/david/opportunity-validator/internal/auth"
	"github.com/david/opportunity-validator/internal/db"
)

var (
	operatorEmail    string
	operatorPassword string
	operatorRole     string
)

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Manage API operators",
}

var operatorCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an operator who may submit batches through the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := db.ConnectURL(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			return err
		}

		svc, err := auth.NewService(db.NewStore(pool), cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		op, err := svc.CreateOperator(ctx, operatorEmail, operatorPassword, operatorRole)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Created operator %s (%s)\n", op.Email, op.ID)
		return nil
	},
}

func init() {
	operatorCreateCmd.Flags().StringVar(&operatorEmail, "email", "", "operator email")
	operatorCreateCmd.Flags().StringVar(&operatorPassword, "password", "", "operator password (min 8 chars)")
	operatorCreateCmd.Flags().StringVar(&operatorRole, "role", "operator", "operator role")
	_ = operatorCreateCmd.MarkFlagRequired("email")
	_ = operatorCreateCmd.MarkFlagRequired("password")

	operatorCmd.AddCommand(operatorCreateCmd)
	rootCmd.AddCommand(operatorCmd)
}
