package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/store"
)

const pingTimeout = 5 * time.Second

// DB is the PostgreSQL-backed unit of persistence. It hands out stores bound
// to the pool and runs transactions with stores bound to the transaction.
type DB struct {
	db *sql.DB
}

// Open connects to the database, sizes the pool and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is empty: set database.url or CADENCE_DATABASE_URL")
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

// SQL returns the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Stores returns every store bound to the pool.
func (d *DB) Stores() store.Stores {
	return NewStores(d.db)
}

// InTx runs fn with stores bound to one transaction.
func (d *DB) InTx(ctx context.Context, fn func(s store.Stores) error) error {
	return store.RunInTransaction(ctx, d.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(NewStores(tx))
	})
}

// NewStores binds every store to db, which may be the pool or a transaction.
func NewStores(db store.DBTX) store.Stores {
	return store.Stores{
		Tasks:    NewTaskStore(db),
		Activity: NewActivityStore(db),
		Settings: NewSettingsStore(db),
		Blocks:   NewBlockStore(db),
		Contacts: NewContactStore(db),
		Calls:    NewCallStore(db),
		Messages: NewMessageStore(db),
		Locks:    NewLockStore(db),
	}
}
