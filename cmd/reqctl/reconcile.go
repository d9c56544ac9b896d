package main

import (
	"context"
	"encoding/json"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/database"
	"github.com/docsupply/platform/pkg/ledger"
	"github.com/docsupply/platform/pkg/mirror"
	"github.com/docsupply/platform/pkg/reconcile"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one ledger-to-mirror reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres()

			ctx := context.Background()
			store, closeStore, err := attachment.Open(ctx, cfg, db)
			if err != nil {
				return err
			}
			defer closeStore()

			locker := workflow.NewPreferredLocker(ctx, database.GetRedis(cfg))
			report, err := reconcile.NewReconciler(ledger.NewRepository(db), mirror.NewRepository(db), store, locker).Run(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
