package main

import (
	"fmt"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/gateway/auth"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		email string
		role  string
		id    string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != models.RoleAdmin && role != models.RoleUser {
				return fmt.Errorf("role must be %q or %q", models.RoleAdmin, models.RoleUser)
			}
			subject := uuid.New()
			if id != "" {
				parsed, err := uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("invalid --id: %w", err)
				}
				subject = parsed
			}

			cfg := config.Load()
			manager, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
			if err != nil {
				return err
			}
			token, err := manager.IssueToken(models.Identity{ID: subject, Email: email, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Identity email address")
	cmd.Flags().StringVar(&role, "role", models.RoleUser, "Role (admin or user)")
	cmd.Flags().StringVar(&id, "id", "", "Identity id (random when empty)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
