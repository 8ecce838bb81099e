// Package postgres implements the store interfaces on PostgreSQL through
// database/sql and the pgx driver. Every store works on a store.DBTX, so the
// same code runs against the pool or inside a transaction.
//
// The schema lives in embedded goose migrations; see Migrate.
package postgres
