package database

import (
	"strings"
	"sync"
	"time"

	"github.com/docsupply/platform/pkg/common/config"
	"github.com/docsupply/platform/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbOnce sync.Once
	dbErr  error
)

// GetPostgres returns the process-wide connection, opening it on first use.
func GetPostgres(cfg *config.Config) (*gorm.DB, error) {
	dbOnce.Do(func() {
		db, dbErr = gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if dbErr != nil {
			logger.Log.WithError(dbErr).Error("Failed to connect to PostgreSQL")
			return
		}

		sqlDB, err := db.DB()
		if err != nil {
			dbErr = err
			return
		}
		sqlDB.SetMaxOpenConns(cfg.PostgresMaxConns)
		sqlDB.SetMaxIdleConns(cfg.PostgresMaxIdle)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

		logger.Log.WithField("host", cfg.PostgresHost).Info("Connected to PostgreSQL")
	})

	return db, dbErr
}

// DSN renders the keyword/value connection string. The password is left out
// when empty so that PGPASSWORD or .pgpass can supply it.
func DSN(cfg *config.Config) string {
	parts := []string{
		"host=" + cfg.PostgresHost,
		"port=" + cfg.PostgresPort,
		"user=" + cfg.PostgresUser,
		"dbname=" + cfg.PostgresDB,
		"sslmode=" + cfg.PostgresSSLMode,
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+cfg.PostgresPassword)
	}
	return strings.Join(parts, " ")
}

func ClosePostgres() error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
