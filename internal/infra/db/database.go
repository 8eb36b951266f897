package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/acme/campaign-dispatch/internal/config"
)

// Database wraps the sqlx handle shared by the relational stores. It is
// backed by a pgx pool, or by a SQLite file for single-node runs.
type Database struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// Open connects using the driver selected in cfg.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Database, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLite(ctx, cfg.SQLitePath)
	case config.DriverPostgres, "":
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}
}

// NewPostgres creates a new connection pool.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Database, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), config.DriverPostgres)

	if err := db.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Database{pool: pool, db: db}, nil
}

// NewSQLite opens (creating if needed) a SQLite database file and applies
// the dispatch schema. A single connection serialises writers, which is what
// SQLite requires for the conditional updates the stores rely on.
func NewSQLite(ctx context.Context, path string) (*Database, error) {
	db, err := sqlx.Open(config.DriverSQLite, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Database{db: db}, nil
}

// DB exposes the sqlx handle.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping checks connectivity.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close drains the pool and releases resources.
func (d *Database) Close() error {
	var err error
	if d.db != nil {
		err = d.db.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT,
	time_zone            TEXT NOT NULL,
	max_concurrent_calls INTEGER NOT NULL,
	status               TEXT NOT NULL,
	retry_max_attempts   INTEGER NOT NULL DEFAULT 0,
	retry_base_delay_ms  INTEGER NOT NULL DEFAULT 0,
	retry_max_delay_ms   INTEGER NOT NULL DEFAULT 0,
	retry_jitter         REAL NOT NULL DEFAULT 0,
	created_at           TIMESTAMP,
	updated_at           TIMESTAMP,
	started_at           TIMESTAMP,
	completed_at         TIMESTAMP
);

CREATE TABLE IF NOT EXISTS campaign_business_hours (
	campaign_id  TEXT NOT NULL,
	day_of_week  INTEGER NOT NULL,
	start_minute INTEGER NOT NULL,
	end_minute   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_entries (
	id               TEXT PRIMARY KEY,
	campaign_id      TEXT NOT NULL,
	contact_id       TEXT NOT NULL,
	phone_number     TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMP NOT NULL,
	last_outcome     TEXT,
	external_call_id TEXT,
	lock_token       TEXT,
	claim_token      TEXT,
	claimed_until    TIMESTAMP,
	calling_since    TIMESTAMP,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	UNIQUE (campaign_id, contact_id)
);

CREATE INDEX IF NOT EXISTS queue_entries_due ON queue_entries (campaign_id, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS queue_entries_claim ON queue_entries (claim_token);
CREATE INDEX IF NOT EXISTS queue_entries_external_call ON queue_entries (external_call_id);

CREATE TABLE IF NOT EXISTS campaign_statistics (
	campaign_id       TEXT PRIMARY KEY,
	dispatch_attempts INTEGER NOT NULL DEFAULT 0,
	rejections        INTEGER NOT NULL DEFAULT 0,
	sweeps            INTEGER NOT NULL DEFAULT 0,
	talk_seconds      INTEGER NOT NULL DEFAULT 0,
	cost_units        REAL NOT NULL DEFAULT 0,
	updated_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dispatch_locks (
	lock_key   TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`
