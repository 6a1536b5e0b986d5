package database

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"example.com/estate/services/searchsync/config"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
)

// Connect opens the write database, with every table qualified by the configured schema
func Connect(cfg config.DatabaseConfig, collector *metrics.Metrics) (*gorm.DB, error) {
	logLevel := logger.Error
	if cfg.Debug {
		logLevel = logger.Info
	}

	gormLogger := logger.New(
		&logAdapter{},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   cfg.Schema + ".",
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if collector != nil {
		RegisterDurationHooks(db)
		RegisterMetricsHooks(db, collector)
	}

	return db, nil
}

// Migrate creates the schema and the PostGIS extension, then migrates every model
func Migrate(db *gorm.DB, schemaName string) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
		return errors.Wrap(err, "failed to enable postgis")
	}
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		return errors.Wrapf(err, "failed to create schema %s", schemaName)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	table := db.NamingStrategy.TableName("BuildingLocation")
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_building_location_location ON %s USING GIST (location)", table)
	if err := db.Exec(index).Error; err != nil {
		return errors.Wrap(err, "failed to create spatial index")
	}

	log.Info().Str("schema", schemaName).Msg("Database migrations applied")
	return nil
}

// Ping checks the connection within ctx
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// logAdapter routes gorm's logger into zerolog
type logAdapter struct{}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "gorm").Msgf(format, args...)
}
