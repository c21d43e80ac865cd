// Package store provides the persistence layer: per-identity session
// snapshots and the append-only feedback log.
package store

import (
	"context"
	"fmt"

	"github.com/yunhe-labs/tourguide/internal/domain"
)

// Repository persists session snapshots and feedback. Implementations are
// safe for concurrent callers; write errors match shared.ErrIO.
type Repository interface {
	// SaveSession upserts the snapshot for session.Identity. At most one
	// record per identity exists after the call.
	SaveSession(ctx context.Context, session *domain.PersistedSession) error

	// LoadSession returns the snapshot for identity, or nil if none exists.
	LoadSession(ctx context.Context, identity string) (*domain.PersistedSession, error)

	// AppendFeedback appends a record to the feedback log.
	AppendFeedback(ctx context.Context, record *domain.FeedbackRecord) error

	// ListFeedback returns every feedback record in write order.
	ListFeedback(ctx context.Context) ([]domain.FeedbackRecord, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Driver names a Repository implementation.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverJSON   Driver = "json"
)

// Open creates the Repository for driver. dbPath is used by the SQLite
// driver, dataDir by the JSON flat-file driver.
func Open(driver Driver, dbPath, dataDir string) (Repository, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLite(dbPath)
	case DriverJSON:
		return NewJSONFile(dataDir)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
