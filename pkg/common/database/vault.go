package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/medshield/pkg/common/config"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenVault connects to the identity vault database. The vault never leaves the
// trusted boundary, so the default is a local sqlite file.
func OpenVault(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.VaultDriver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.PostgresHost,
			cfg.PostgresUser,
			cfg.PostgresPassword,
			cfg.PostgresDB,
			cfg.PostgresPort,
			cfg.PostgresSSLMode,
		)
		db, err := gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			logger.Log.WithError(err).Error("Failed to connect to PostgreSQL")
			return nil, err
		}
		logger.Log.Info("Connected to PostgreSQL identity vault")
		return db, nil
	case "sqlite", "":
		return OpenSQLite(cfg.VaultSQLitePath)
	default:
		return nil, fmt.Errorf("unsupported vault driver %q", cfg.VaultDriver)
	}
}

// OpenSQLite opens (creating if needed) a sqlite vault file. A single
// connection keeps sqlite writers from tripping over each other.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Clean(path))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		logger.Log.WithError(err).Error("Failed to open sqlite identity vault")
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Log.WithField("path", path).Info("Opened sqlite identity vault")
	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
