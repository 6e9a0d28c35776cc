// Package database opens the relational store behind accounts and, on
// Postgres, refresh tokens.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/taskgate/internal/database/migrations"
	"github.com/MrEthical07/taskgate/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var gooseUpContext = goose.UpContext

// Config selects and tunes the database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies schema changes on Open.
	Migrate bool
}

// DB bundles the gorm handle with the raw pool it wraps. SQL is nil-safe to
// ignore on SQLite, where refresh tokens live in Redis.
type DB struct {
	Gorm   *gorm.DB
	SQL    *sql.DB
	Driver string
}

// Open connects to cfg.Driver. An empty driver is inferred from the DSN:
// postgres:// and postgresql:// select Postgres, anything else SQLite.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database: empty DSN")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
		if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
			driver = DriverPostgres
		}
	}

	switch driver {
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	case DriverSQLite:
		return openSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
}

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	tune(sqlDB, cfg)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if cfg.Migrate {
		if err := RunMigrations(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database: migrate: %w", err)
		}
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: gorm: %w", err)
	}
	return &DB{Gorm: gdb, SQL: sqlDB, Driver: DriverPostgres}, nil
}

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	gdb, err := gorm.Open(gormsqlite.New(gormsqlite.Config{
		DriverName: "sqlite",
		DSN:        cfg.DSN,
	}), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("database: pool: %w", err)
	}
	tune(sqlDB, cfg)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if cfg.Migrate {
		if err := gdb.WithContext(ctx).AutoMigrate(&users.User{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database: migrate: %w", err)
		}
	}
	return &DB{Gorm: gdb, SQL: sqlDB, Driver: DriverSQLite}, nil
}

// RunMigrations applies the embedded Postgres schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Close releases the pool.
func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

func tune(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}
