package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Handles are the storage connections owned by the application
type Handles struct {
	Ledger *gorm.DB
	Cache  *gorm.DB
	Redis  *redis.Client
}

// InitDatabase opens the ledger database, the local cache database and,
// when configured, Redis
func InitDatabase(cfg *config.Config) (*Handles, error) {
	ledger, err := OpenLedger(cfg.DatabaseURL, cfg.LedgerSQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}

	cache, err := OpenSQLite(cfg.CachePath)
	if err != nil {
		closeDB(ledger)
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	if err := cache.AutoMigrate(&models.CachedEntitlement{}); err != nil {
		closeDB(ledger)
		closeDB(cache)
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	h := &Handles{Ledger: ledger, Cache: cache}

	if cfg.RedisURL != "" {
		h.Redis, err = OpenRedis(cfg.RedisURL)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
	}

	return h, nil
}

// OpenLedger opens PostgreSQL when dsn is set and falls back to SQLite for development
func OpenLedger(dsn, sqlitePath string) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	if dsn == "" {
		logging.Infof("Database URL not set, using SQLite ledger at %s", sqlitePath)
		db, err = OpenSQLite(sqlitePath)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.Infof("Ledger database connected successfully")
	return db, nil
}

// OpenSQLite opens a SQLite database file
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), gormConfig())
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
}

// AutoMigrate performs ledger database migration
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LedgerEntitlement{},
		&models.EntitlementAnomaly{},
	)
}

// OpenRedis connects to Redis and verifies the connection
func OpenRedis(redisURL string) (*redis.Client, error) {
	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// Close closes all connections
func (h *Handles) Close() error {
	var errs []error
	if h.Ledger != nil {
		errs = append(errs, closeDB(h.Ledger))
	}
	if h.Cache != nil {
		errs = append(errs, closeDB(h.Cache))
	}
	if h.Redis != nil {
		if err := h.Redis.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		logging.Errorf("Failed to close database: %v", err)
		return err
	}
	return nil
}
