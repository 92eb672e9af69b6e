package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"ecosentinel/config"
)

// Database wraps the MySQL connection backing both ledgers.
type Database struct {
	db *sql.DB
}

// NewDatabase opens the connection pool and waits for the database to become
// reachable, backing off exponentially up to a deadline.
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	deadline := time.Now().Add(60 * time.Second)
	waitInterval := time.Second
	for {
		pingErr := db.Ping()
		if pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("database ping timeout: %w", pingErr)
		}
		log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, pingErr)
		time.Sleep(waitInterval)
		waitInterval *= 2
		if waitInterval > 16*time.Second {
			waitInterval = 16 * time.Second
		}
	}

	return &Database{db: db}, nil
}

// NewFromDB wraps an existing connection. Used by tests with sqlmock.
func NewFromDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// GetDB exposes the raw connection for read-only status queries.
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// CreateTables ensures the schema exists.
func (d *Database) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			image LONGBLOB,
			image_hash CHAR(64) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			accuracy DOUBLE NOT NULL DEFAULT 0,
			description TEXT,
			client_ts TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			state VARCHAR(32) NOT NULL,
			verdict_authentic TINYINT NULL,
			verdict_category VARCHAR(32) NULL,
			verdict_confidence DOUBLE NULL,
			verdict_notes TEXT NULL,
			priority VARCHAR(16) NOT NULL DEFAULT '',
			awarded_coins BIGINT NULL,
			cancel_requested TINYINT NOT NULL DEFAULT 0,
			reason VARCHAR(32) NOT NULL DEFAULT '',
			INDEX idx_reports_user_created (user_id, created_at),
			INDEX idx_reports_hash (image_hash),
			INDEX idx_reports_state (state)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id VARCHAR(64) NOT NULL PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			coins_disbursed BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			event_id VARCHAR(64) NOT NULL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			delta BIGINT NOT NULL,
			balance BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_ledger_account (account_id, created_at)
		)`,
	}

	for _, q := range queries {
		if _, err := d.db.Exec(q); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}
