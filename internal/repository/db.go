package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the backing engine for the record store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// DB wraps the record-store handle together with its dialect so repositories
// can write portable statements.
type DB struct {
	SQL     *sql.DB
	Pool    *pgxpool.Pool // nil for sqlite
	Dialect Dialect
}

// Open connects to the record store. A postgres:// DSN opens a pgx pool and
// wraps it as *sql.DB; any other DSN is treated as an embedded SQLite path.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		return openPostgres(ctx, cfg, logger)
	}
	return openSQLite(cfg, logger)
}

func openPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	logger.Info("connecting to database", "dsn", cfg.DSN)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database dsn", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "filetrack"

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	logger.Info("successfully connected to database")
	return &DB{SQL: db, Pool: pool, Dialect: DialectPostgres}, nil
}

func openSQLite(cfg Config, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.DSN)
	logger.Info("opening embedded database", "path", cfg.DSN)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open embedded database", "error", err)
		return nil, err
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	return &DB{SQL: db, Dialect: DialectSQLite}, nil
}

// Close closes the database connections gracefully
func (d *DB) Close(logger *slog.Logger) {
	logger.Info("closing database connections")
	if d.SQL != nil {
		if err := d.SQL.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	logger.Info("database connections closed")
}

// HealthCheck pings the store to catch DSN issues early.
func (d *DB) HealthCheck(ctx context.Context, timeout time.Duration, logger *slog.Logger) error {
	logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if d.Pool != nil {
		return d.Pool.Ping(ctx)
	}
	return d.SQL.PingContext(ctx)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id       INTEGER NOT NULL,
	filename       TEXT NOT NULL,
	locator        TEXT NOT NULL,
	title          TEXT,
	description    TEXT,
	status         TEXT NOT NULL DEFAULT 'uploaded',
	extracted_data BLOB,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
CREATE INDEX IF NOT EXISTS idx_files_owner_locator ON files(owner_id, locator);

CREATE TABLE IF NOT EXISTS jobs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id       INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	started_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_file_started ON jobs(file_id, started_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS files (
	id             BIGSERIAL PRIMARY KEY,
	owner_id       BIGINT NOT NULL,
	filename       TEXT NOT NULL,
	locator        TEXT NOT NULL,
	title          TEXT,
	description    TEXT,
	status         TEXT NOT NULL DEFAULT 'uploaded',
	extracted_data BYTEA,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
CREATE INDEX IF NOT EXISTS idx_files_owner_locator ON files(owner_id, locator);

CREATE TABLE IF NOT EXISTS jobs (
	id            BIGSERIAL PRIMARY KEY,
	file_id       BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_file_started ON jobs(file_id, started_at);
`

// Migrate creates the record-store tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if d.Dialect == DialectPostgres {
		schema = postgresSchema
	}
	_, err := d.SQL.ExecContext(ctx, schema)
	return err
}

// rebind converts ?-style placeholders to the dialect's native form.
func (d *DB) rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
