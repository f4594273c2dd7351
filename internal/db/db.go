package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Database holds the account credentials. Chat state lives in the store.
type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// migrations run in order on every start. Email uniqueness is
// case-insensitive to match login, which looks accounts up by LOWER(email).
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
            id UUID PRIMARY KEY,
            email VARCHAR(255) NOT NULL,
            password VARCHAR(255) NOT NULL,
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,
	`ALTER TABLE accounts DROP CONSTRAINT IF EXISTS accounts_email_key`,
	`DROP INDEX IF EXISTS accounts_email_lower_idx`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_lower_key ON accounts (LOWER(email))`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (d *Database) Close() error { return d.Conn.Close() }
