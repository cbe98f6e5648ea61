package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"github.com/MarcoPoloResearchLab/possync/internal/mutationlog"
	"github.com/MarcoPoloResearchLab/possync/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server reached through pgx.
	DriverPostgres = "postgres"
)

// Options selects the authoritative store backing the sync server.
type Options struct {
	Driver string
	DSN    string
}

// OpenServer establishes the authoritative store connection and performs
// schema migrations.
func OpenServer(options Options, logger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(options.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(options.DSN)
	case DriverPostgres:
		dialector = postgres.Open(options.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// SQLite serialises writers; one connection keeps batch transactions
		// from interleaving.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := entities.MigrateRecords(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&reconcile.AuditEntry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// OpenSQLite opens the authoritative store on a SQLite file.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return OpenServer(Options{Driver: DriverSQLite, DSN: path}, logger)
}

// OpenLocal opens the device-side store holding the mutation log, the sync
// cursor and the mirrored entities.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := mutationlog.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}

	return db, nil
}
