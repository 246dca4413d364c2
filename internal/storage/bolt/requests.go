package bolt

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RequestTable is the retry cache of one pipeline.
type RequestTable struct {
	db     *DB
	bucket []byte
}

var _ storage.RequestStore = (*RequestTable)(nil)

// Insert persists a new record.
func (t *RequestTable) Insert(req *types.Request) error {
	val, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bolt: marshal request %s: %w", req.GUID, err)
	}
	return t.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b.Get([]byte(req.GUID)) != nil {
			return storage.ErrExists
		}
		return b.Put([]byte(req.GUID), val)
	})
}

// Update overwrites an existing record.
func (t *RequestTable) Update(req *types.Request) error {
	val, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bolt: marshal request %s: %w", req.GUID, err)
	}
	return t.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b.Get([]byte(req.GUID)) == nil {
			return storage.ErrNotFound
		}
		return b.Put([]byte(req.GUID), val)
	})
}

// FetchOne returns the record for guid.
func (t *RequestTable) FetchOne(guid string) (*types.Request, error) {
	var req *types.Request
	err := t.db.view(func(tx *bbolt.Tx) error {
		v := tx.Bucket(t.bucket).Get([]byte(guid))
		if v == nil {
			return storage.ErrNotFound
		}
		var err error
		req, err = decodeRequest(v)
		return err
	})
	return req, err
}

// FetchAll returns every record in key order.
func (t *RequestTable) FetchAll() ([]*types.Request, error) {
	var out []*types.Request
	err := t.db.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(t.bucket).ForEach(func(_, v []byte) error {
			req, err := decodeRequest(v)
			if err != nil {
				return err
			}
			out = append(out, req)
			return nil
		})
	})
	return out, err
}

// DeleteOne removes guid.
func (t *RequestTable) DeleteOne(guid string) (bool, error) {
	var existed bool
	err := t.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b.Get([]byte(guid)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(guid))
	})
	return existed, err
}

// EvictOldest trims the cache to maxBytes of payload in one transaction.
func (t *RequestTable) EvictOldest(maxBytes int64) ([]*types.Request, error) {
	var evicted []*types.Request
	err := t.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(t.bucket)
		var total int64
		var all []*types.Request
		if err := b.ForEach(func(_, v []byte) error {
			req, err := decodeRequest(v)
			if err != nil {
				return err
			}
			total += int64(len(req.Payload))
			all = append(all, req)
			return nil
		}); err != nil {
			return err
		}
		for _, req := range all {
			if total <= maxBytes {
				break
			}
			if err := b.Delete([]byte(req.GUID)); err != nil {
				return err
			}
			total -= int64(len(req.Payload))
			evicted = append(evicted, req)
		}
		return nil
	})
	return evicted, err
}

// Size sums the payload bytes of every record.
func (t *RequestTable) Size() (int64, error) {
	var total int64
	err := t.db.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(t.bucket).ForEach(func(_, v []byte) error {
			req, err := decodeRequest(v)
			if err != nil {
				return err
			}
			total += int64(len(req.Payload))
			return nil
		})
	})
	return total, err
}

func decodeRequest(v []byte) (*types.Request, error) {
	var req types.Request
	if err := json.Unmarshal(v, &req); err != nil {
		return nil, fmt.Errorf("bolt: decode request: %w", err)
	}
	return &req, nil
}
