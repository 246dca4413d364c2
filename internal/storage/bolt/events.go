package bolt

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

// EventTable is the outbox of one pipeline. Events are grouped in one nested
// bucket per type so DeleteWhere walks only the matching keys.
type EventTable struct {
	db     *DB
	bucket []byte
}

var _ storage.EventStore = (*EventTable)(nil)

// Insert persists ev under its type.
func (t *EventTable) Insert(ev *types.Event) error {
	if ev.GUID == "" {
		return fmt.Errorf("bolt: insert event: empty guid")
	}
	val := wire.MarshalEvent(ev)
	return t.db.update(func(tx *bbolt.Tx) error {
		sub, err := tx.Bucket(t.bucket).CreateBucketIfNotExists([]byte(ev.Type))
		if err != nil {
			return fmt.Errorf("bolt: insert event %s: %w", ev.GUID, err)
		}
		return sub.Put([]byte(ev.GUID), val)
	})
}

// DeleteWhere removes up to limit events of eventType, oldest first.
func (t *EventTable) DeleteWhere(eventType string, limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := t.db.update(func(tx *bbolt.Tx) error {
		sub := tx.Bucket(t.bucket).Bucket([]byte(eventType))
		if sub == nil {
			return nil
		}
		var err error
		out, err = drain(sub, limit)
		return err
	})
	return out, err
}

// DeleteAll removes every event of every type.
func (t *EventTable) DeleteAll() ([]*types.Event, error) {
	var out []*types.Event
	err := t.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		var names [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			evs, err := drain(b.Bucket(name), 0)
			if err != nil {
				return err
			}
			out = append(out, evs...)
		}
		return nil
	})
	return out, err
}

// FetchAll returns every event grouped by type.
func (t *EventTable) FetchAll() ([]*types.Event, error) {
	var out []*types.Event
	err := t.db.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		return b.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			return b.Bucket(k).ForEach(func(_, v []byte) error {
				ev, err := wire.UnmarshalEvent(v)
				if err != nil {
					return err
				}
				out = append(out, ev)
				return nil
			})
		})
	})
	return out, err
}

// Count returns the number of persisted events.
func (t *EventTable) Count() (int, error) {
	var n int
	err := t.db.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				n += b.Bucket(k).Stats().KeyN
			}
			return nil
		})
	})
	return n, err
}

// drain deletes up to limit keys from the front of b. limit <= 0 means all.
func drain(b *bbolt.Bucket, limit int) ([]*types.Event, error) {
	var out []*types.Event
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.First() {
		if limit > 0 && len(out) >= limit {
			break
		}
		ev, err := wire.UnmarshalEvent(v)
		if err != nil {
			return nil, fmt.Errorf("bolt: decode event %s: %w", k, err)
		}
		out = append(out, ev)
		if err := c.Delete(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
