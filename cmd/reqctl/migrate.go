package main

import (
	"context"
	"fmt"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/database"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the request, mirror, library and attachment tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres()

			steps := []struct {
				name string
				run  func() error
			}{
				{"document_requests", ledger.NewRepository(db).AutoMigrate},
				{"owners", mirror.NewRepository(db).AutoMigrate},
				{"libraries", library.NewRepository(db).AutoMigrate},
			}
			for _, step := range steps {
				if err := step.run(); err != nil {
					return fmt.Errorf("migrating %s: %w", step.name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", step.name)
			}

			// the db backend migrates its table on open
			_, closeStore, err := attachment.Open(context.Background(), cfg, db)
			if err != nil {
				return err
			}
			defer closeStore()
			fmt.Fprintf(cmd.OutOrStdout(), "attachment backend %q ready\n", cfg.AttachmentBackend)
			return nil
		},
	}
}
