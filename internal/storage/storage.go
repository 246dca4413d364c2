// Package storage defines the durable stores used by a delivery pipeline.
//
// Every layer above this package talks to persistence only through these
// interfaces. All methods must be safe for concurrent use; implementations
// serialize internally and run each operation in its own transaction.
package storage

import (
	"errors"

	"github.com/snehjoshi/beacon/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("storage: closed")

// EventStore is the outbox: events persisted by the warehouser and pulled by
// the batch processor.
type EventStore interface {
	// Insert persists ev. Re-inserting the same GUID overwrites it.
	Insert(ev *types.Event) error

	// DeleteWhere removes and returns up to limit events of eventType in
	// store order (oldest first). limit <= 0 removes every matching event.
	DeleteWhere(eventType string, limit int) ([]*types.Event, error)

	// DeleteAll removes and returns every event.
	DeleteAll() ([]*types.Event, error)

	// FetchAll returns every event without removing it.
	FetchAll() ([]*types.Event, error)

	// Count returns the number of persisted events.
	Count() (int, error)
}

// RequestStore is the retry cache: one record per in-flight wire unit.
type RequestStore interface {
	// Insert persists req. It fails if a record with the same GUID exists.
	Insert(req *types.Request) error

	// Update overwrites an existing record. Returns ErrNotFound if absent.
	Update(req *types.Request) error

	// FetchOne returns the record for guid or ErrNotFound.
	FetchOne(guid string) (*types.Request, error)

	// FetchAll returns every record, oldest first.
	FetchAll() ([]*types.Request, error)

	// DeleteOne removes the record for guid and reports whether it existed.
	DeleteOne(guid string) (bool, error)

	// EvictOldest removes the oldest records until the summed payload size is
	// at most maxBytes, and returns what it removed.
	EvictOldest(maxBytes int64) ([]*types.Request, error)

	// Size returns the summed payload bytes of every record.
	Size() (int64, error)
}

// Settings is a small key/value store for component state that must survive
// restarts.
type Settings interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// ErrExists is returned by RequestStore.Insert for a duplicate GUID.
var ErrExists = errors.New("storage: already exists")
