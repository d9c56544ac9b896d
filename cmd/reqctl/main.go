package main

import (
	"fmt"
	"os"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/database"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	logger.Init()

	rootCmd := &cobra.Command{
		Use:           "reqctl",
		Short:         "Operator tooling for the document request service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(libraryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*config.Config, *gorm.DB, error) {
	cfg := config.Load()
	db, err := database.GetPostgres(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return cfg, db, nil
}
