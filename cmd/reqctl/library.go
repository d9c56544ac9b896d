package main

import (
	"encoding/json"
	"fmt"

	"github.com/docsupply/platform/pkg/common/database"
	"github.com/docsupply/platform/pkg/library"
	"github.com/spf13/cobra"
)

func libraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage partner libraries",
	}
	cmd.AddCommand(libraryAddCmd())
	return cmd
}

func libraryAddCmd() *cobra.Command {
	var (
		name    string
		email   string
		contact string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a partner library",
		RunE: func(cmd *cobra.Command, args []string) error {
			var details map[string]interface{}
			if contact != "" {
				if err := json.Unmarshal([]byte(contact), &details); err != nil {
					return fmt.Errorf("invalid --contact JSON: %w", err)
				}
			}

			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres()

			lib, err := library.NewRepository(db).Create(cmd.Context(), library.CreateInput{
				Name:         name,
				ContactEmail: email,
				Contact:      details,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", lib.ID, lib.Name, lib.ContactEmail)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Library name")
	cmd.Flags().StringVar(&email, "email", "", "Contact email address")
	cmd.Flags().StringVar(&contact, "contact", "", "Additional contact details as a JSON object")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
