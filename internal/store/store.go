// Package store persists task records across process restarts.
package store

import (
	"context"

	"github.com/copyleftdev/gridsweep/internal/task"
)

// Store is the durable task store. Identifiers are unique and monotonically
// increasing; a record's identifier is assigned exactly once, at first save.
// During a session only the execution engine writes; concurrent readers must
// treat the store as eventually consistent between cycles.
type Store interface {
	// Save persists rec write-through. A record with ID 0 is inserted
	// and receives its identifier; otherwise the stored row is replaced.
	Save(ctx context.Context, rec *task.Record) error

	// Get returns the record with the given identifier.
	Get(ctx context.Context, id int64) (*task.Record, error)

	// GetByName returns the record with the given session-unique name,
	// or nil if none exists.
	GetByName(ctx context.Context, name string) (*task.Record, error)

	// List returns all records in identifier order.
	List(ctx context.Context) ([]*task.Record, error)

	Close() error
}
