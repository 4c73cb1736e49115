package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/config"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open connects to the configured driver and performs schema migrations.
func Open(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverPostgres:
		return OpenPostgres(cfg.DatabaseDSN, logger)
	case config.DatabaseDriverSQLite, "":
		return OpenSQLite(cfg.DatabasePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", config.DatabaseDriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres connects through pgx and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", config.DatabaseDriverPostgres))
	}
	return db, nil
}

// Models lists every table the service owns.
func Models() []interface{} {
	models := []interface{}{&users.Identity{}, &migrationRecord{}}
	return append(models, documents.Models()...)
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
