// Package bolt implements the storage contracts on a single bbolt file.
//
// Layout inside beacon.db:
//
//	<pipeline>.events/<type>/<event guid>  -> wire-encoded event
//	<pipeline>.requests/<request guid>     -> JSON request record
//	settings/<key>                          -> raw bytes
//
// Event GUIDs are ULIDs and request GUIDs are UUIDv7, so bbolt's byte-ordered
// keys give insertion order for free.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/beacon/internal/storage"
)

// FileName is the database file created inside the data directory.
const FileName = "beacon.db"

var bucketSettings = []byte("settings")

// DB is one open database shared by every pipeline of an SDK instance.
type DB struct {
	db     *bbolt.DB
	path   string
	closed atomic.Bool
}

// Open opens (or creates) beacon.db inside dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create data dir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, FileName)

	// A second process holding the file lock fails fast instead of hanging.
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init settings bucket: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Events returns the outbox of the named pipeline.
func (d *DB) Events(pipeline string) (*EventTable, error) {
	name := []byte(pipeline + ".events")
	if err := d.ensure(name); err != nil {
		return nil, err
	}
	return &EventTable{db: d, bucket: name}, nil
}

// Requests returns the retry cache of the named pipeline.
func (d *DB) Requests(pipeline string) (*RequestTable, error) {
	name := []byte(pipeline + ".requests")
	if err := d.ensure(name); err != nil {
		return nil, err
	}
	return &RequestTable{db: d, bucket: name}, nil
}

// Settings returns the shared settings table.
func (d *DB) Settings() *SettingsTable {
	return &SettingsTable{db: d}
}

// Close closes the underlying bbolt database. It is safe to call twice.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

func (d *DB) ensure(name []byte) error {
	return d.update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("bolt: create bucket %s: %w", name, err)
		}
		return nil
	})
}

func (d *DB) update(fn func(tx *bbolt.Tx) error) error {
	if d.closed.Load() {
		return storage.ErrClosed
	}
	return d.db.Update(fn)
}

func (d *DB) view(fn func(tx *bbolt.Tx) error) error {
	if d.closed.Load() {
		return storage.ErrClosed
	}
	return d.db.View(fn)
}

// SettingsTable implements storage.Settings.
type SettingsTable struct {
	db *DB
}

var _ storage.Settings = (*SettingsTable)(nil)

// Get returns a copy of the value stored under key.
func (s *SettingsTable) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.view(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put upserts key.
func (s *SettingsTable) Put(key string, value []byte) error {
	return s.db.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), value)
	})
}
