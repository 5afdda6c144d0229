// Package store defines the composite persistence interface implemented
// by runwire storage backends.
//
// Three backends ship with runwire:
//
//   - store/memory: in-memory, for tests and development
//   - store/sqlite: embedded libSQL/SQLite, single-node durable
//   - store/postgres: PostgreSQL via pgx, production durable
//
// Each backend implements workflow.Store plus the lifecycle methods
// below. The caller owns backend lifecycle: construct, Migrate once,
// Close on shutdown.
package store

import (
	"context"

	"github.com/Boykai/runwire/workflow"
)

// Store is the full persistence contract: the workflow store plus
// backend lifecycle.
type Store interface {
	workflow.Store

	// Migrate brings the backend schema up to date. Safe to call on
	// every startup.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
