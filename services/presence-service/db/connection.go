package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chorus/presence-service/config"
	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// Connect establishes a connection to the PostgreSQL database, retrying until it answers
func Connect(ctx context.Context, cfg *config.Config, log *utils.Logger) (*gorm.DB, error) {
	var gormLogger logger.Interface
	if cfg.Environment == "production" {
		gormLogger = logger.Default.LogMode(logger.Silent)
	} else {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	var db *gorm.DB
	open := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			Logger: gormLogger,
		})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to get underlying sql.DB: %w", err))
		}
		return sqlDB.PingContext(ctx)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	)
	notify := func(err error, wait time.Duration) {
		log.Warn("Database not ready, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(open, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// The friendships table belongs to the social graph; only create it in development.
	if cfg.Environment == "development" {
		if err := autoMigrate(db, &models.UserPresence{}, &models.Friendship{}); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate: %w", err)
		}
	} else if err := autoMigrate(db, &models.UserPresence{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	log.Info("Connected to database")
	return db, nil
}

func autoMigrate(db *gorm.DB, models ...interface{}) error {
	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
