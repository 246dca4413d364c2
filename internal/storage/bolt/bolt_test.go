package bolt_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/node"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/storage/bolt"
	"github.com/snehjoshi/beacon/internal/types"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newEvent(typ string, payload string) *types.Event {
	return types.NewEvent(node.MustNewID(), typ, "", []byte(payload))
}

func TestEvents_DeleteWhere_OldestFirstAndLimited(t *testing.T) {
	db := openDB(t)
	events, err := db.Events("socket")
	require.NoError(t, err)

	var want []string
	for i := 0; i < 5; i++ {
		ev := newEvent(types.TypeRealTime, fmt.Sprintf("rt-%d", i))
		want = append(want, ev.GUID)
		require.NoError(t, events.Insert(ev))
	}
	require.NoError(t, events.Insert(newEvent("standard", "std")))

	got, err := events.DeleteWhere(types.TypeRealTime, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, want[i], ev.GUID)
	}

	n, err := events.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n, "two realTime and one standard left")

	rest, err := events.DeleteWhere(types.TypeRealTime, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := events.DeleteWhere("missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEvents_DeleteAll(t *testing.T) {
	db := openDB(t)
	events, err := db.Events("socket")
	require.NoError(t, err)

	require.NoError(t, events.Insert(newEvent("a", "1")))
	require.NoError(t, events.Insert(newEvent("b", "2")))

	all, err := events.FetchAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deleted, err := events.DeleteAll()
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	n, err := events.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvents_PipelinesAreIndependent(t *testing.T) {
	db := openDB(t)
	socket, err := db.Events("socket")
	require.NoError(t, err)
	broker, err := db.Events("broker")
	require.NoError(t, err)

	require.NoError(t, socket.Insert(newEvent("User", "x")))

	n, err := broker.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequests_Lifecycle(t *testing.T) {
	db := openDB(t)
	reqs, err := db.Requests("socket")
	require.NoError(t, err)

	req := &types.Request{GUID: "0190-a", Payload: []byte("batch"), EventCount: 1, LastSentAt: time.Now().UTC()}
	require.NoError(t, reqs.Insert(req))
	assert.True(t, errors.Is(reqs.Insert(req), storage.ErrExists))

	req.RetriesMade = 2
	require.NoError(t, reqs.Update(req))

	got, err := reqs.FetchOne("0190-a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetriesMade)
	assert.Equal(t, []byte("batch"), got.Payload)

	existed, err := reqs.DeleteOne("0190-a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = reqs.DeleteOne("0190-a")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = reqs.FetchOne("0190-a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, errors.Is(reqs.Update(req), storage.ErrNotFound))
}

func TestRequests_EvictOldest(t *testing.T) {
	db := openDB(t)
	reqs, err := db.Requests("socket")
	require.NoError(t, err)

	for _, guid := range []string{"a", "b", "c"} {
		require.NoError(t, reqs.Insert(&types.Request{GUID: guid, Payload: make([]byte, 100)}))
	}

	size, err := reqs.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(300), size)

	evicted, err := reqs.EvictOldest(150)
	require.NoError(t, err)
	require.Len(t, evicted, 2)
	assert.Equal(t, "a", evicted[0].GUID)
	assert.Equal(t, "b", evicted[1].GUID)

	left, err := reqs.FetchAll()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].GUID)
}

func TestRequests_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := bolt.Open(dir)
	require.NoError(t, err)
	reqs, err := db.Requests("broker")
	require.NoError(t, err)
	require.NoError(t, reqs.Insert(&types.Request{GUID: "g", Payload: []byte("p"), RetriesMade: 1}))
	require.NoError(t, db.Close())

	db, err = bolt.Open(dir)
	require.NoError(t, err)
	defer db.Close()
	reqs, err = db.Requests("broker")
	require.NoError(t, err)
	got, err := reqs.FetchOne("g")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetriesMade)
}

func TestSettings(t *testing.T) {
	db := openDB(t)
	s := db.Settings()

	_, err := s.Get("missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, s.Put("k", []byte("v")))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestClosed(t *testing.T) {
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	events, err := db.Events("socket")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	err = events.Insert(newEvent("a", "b"))
	assert.True(t, errors.Is(err, storage.ErrClosed))
}
