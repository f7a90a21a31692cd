// Package database holds the Postgres plumbing shared by services that own
// a database: pool construction, migrations and per-operation timeouts.
package database

import (
	"context"
	"time"
)

// Standard timeout durations for database operations.
const (
	// DefaultQueryTimeout is the timeout for read queries.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout is the timeout for single-row writes.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout is the timeout for batch updates, purges and migrations.
	DefaultBulkTimeout = 30 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext creates a context with DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

// BulkContext creates a context with DefaultBulkTimeout.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}
