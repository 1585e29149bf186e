// Package persistence defines the durable keyed store the engine writes
// entity state to. Writes carry the version read at the start of the
// read-modify-write cycle; backends reject stale versions so concurrent
// writers never silently overwrite each other.
package persistence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrVersionConflict is returned by Update when the expected version
	// is stale.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is a generic durable keyed store with optimistic-concurrency
// writes. The engine never assumes a specific backing technology.
type Store interface {
	// Get returns the raw record and its current version.
	Get(ctx context.Context, id string) (data []byte, version int64, err error)
	// Create writes a new record and returns its initial version.
	Create(ctx context.Context, id string, data []byte) (version int64, err error)
	// Update overwrites the record if expectedVersion is current and
	// returns the new version.
	Update(ctx context.Context, id string, data []byte, expectedVersion int64) (version int64, err error)
	// Delete removes the record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, id string) error
	// List returns the ids with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
