package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/folio/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// ErrNotFound is returned by mutations addressing a row that does not exist
// or belongs to another owner.
var ErrNotFound = errors.New("not found")

// ErrInvalid marks a rejected input such as an unknown goal type
var ErrInvalid = errors.New("invalid input")

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB wraps the database connection pool
type DB struct {
	Pool    *pgxpool.Pool
	connStr string
	Schema  string

	// now is swapped in tests
	now func() int64
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:    pool,
		connStr: cfg.ConnectionString(),
		Schema:  cfg.Schema,
		now:     nowMillis,
	}, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// openGoose prepares goose against the embedded migrations and returns a
// database/sql handle the caller must close.
func (db *DB) openGoose() (*sql.DB, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}

	// Schema-specific version table so several mirrors can share a database
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}
	return stdDB, nil
}

// RunMigrations applies all pending embedded migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus prints the status of every embedded migration
func (db *DB) MigrationStatus(ctx context.Context) error {
	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	return goose.StatusContext(ctx, stdDB, migrationsDir)
}

// GetStatus returns library counts for one owner
func (db *DB) GetStatus(ctx context.Context, owner string) (*Status, error) {
	status := &Status{
		Connected: true,
	}

	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM groups WHERE owner_id = $1", owner,
	).Scan(&status.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}

	err = db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT n.is_trashed),
			COUNT(*) FILTER (WHERE n.is_trashed),
			COUNT(*) FILTER (WHERE n.favorite AND NOT n.is_trashed),
			MAX(n.updated_at)
		FROM notes n JOIN groups g ON g.id = n.group_id
		WHERE g.owner_id = $1
	`, owner).Scan(&status.Notes, &status.Trashed, &status.Favorites, &status.LastModified)
	if err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}

	err = db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM tags WHERE owner_id = $1", owner,
	).Scan(&status.Tags)
	if err != nil {
		slog.Warn("failed to count tags", "error", err)
	}

	return status, nil
}
