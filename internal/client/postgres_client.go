package client

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

// PostgresClient owns the gorm handle for the block ledger and member lookups.
type PostgresClient struct {
	DB    *gorm.DB
	sqlDB *sql.DB
}

func NewPostgresClient(cfg *config.Config, logger *zap.Logger) (*PostgresClient, error) {
	pgConfig := cfg.Postgres

	logLevel := gormlogger.Warn
	if cfg.IsProduction() {
		logLevel = gormlogger.Error
	}

	db, err := gorm.Open(postgres.Open(pgConfig.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(pgConfig.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pgConfig.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)

	logger.Info("Postgres client initialized",
		zap.Int("max_open_conns", pgConfig.MaxOpenConns),
		zap.Int("max_idle_conns", pgConfig.MaxIdleConns))

	return &PostgresClient{DB: db, sqlDB: sqlDB}, nil
}

func (p *PostgresClient) HealthCheck(ctx context.Context) error {
	if err := p.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() error {
	if p.sqlDB == nil {
		return nil
	}
	if err := p.sqlDB.Close(); err != nil {
		util.Error("failed to close Postgres client", zap.Error(err))
		return err
	}
	return nil
}
