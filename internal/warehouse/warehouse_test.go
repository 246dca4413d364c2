package warehouse_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/node"
	"github.com/snehjoshi/beacon/internal/processor"
	"github.com/snehjoshi/beacon/internal/storage/bolt"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/warehouse"
)

// inlineProcessor runs submitted work on the caller's goroutine.
type inlineProcessor struct {
	mu       sync.Mutex
	instant  []*types.Event
	flushed  []string
	stopped  bool
	busy     bool
	canSend  bool
	rejected bool
}

func (p *inlineProcessor) Submit(fn func()) error {
	p.mu.Lock()
	stopped, busy := p.stopped, p.busy
	p.mu.Unlock()
	switch {
	case stopped:
		return processor.ErrStopped
	case busy:
		return processor.ErrBusy
	}
	fn()
	return nil
}

func (p *inlineProcessor) SendInstantly(ev *types.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canSend {
		p.rejected = true
		return false
	}
	p.instant = append(p.instant, ev)
	return true
}

func (p *inlineProcessor) FlushType(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = append(p.flushed, eventType)
}

func (p *inlineProcessor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

type recordingObserver struct{ seen []string }

func (o *recordingObserver) Observe(ev *types.Event) { o.seen = append(o.seen, ev.GUID) }

type pipeline struct {
	store *bolt.EventTable
	proc  *inlineProcessor
	obs   *recordingObserver
	w     *warehouse.Warehouser
}

func newPipelines(t *testing.T, names ...string) []*pipeline {
	t.Helper()
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	out := make([]*pipeline, len(names))
	for i, name := range names {
		store, err := db.Events(name)
		require.NoError(t, err)
		p := &pipeline{store: store, proc: &inlineProcessor{canSend: true}, obs: &recordingObserver{}}
		p.w = warehouse.New(name, store, p.proc, p.obs)
		out[i] = p
	}
	return out
}

func count(t *testing.T, p *pipeline) int {
	t.Helper()
	n, err := p.store.Count()
	require.NoError(t, err)
	return n
}

func event(typ, category string) *types.Event {
	return types.NewEvent(node.MustNewID(), typ, category, []byte(`{"k":"v"}`))
}

// ─── Warehouser ──────────────────────────────────────────────────────────────

func TestStore_InstantBypassesOutbox(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	ev := event(types.TypeInstant, "")

	require.NoError(t, p.w.Store(ev))

	assert.Zero(t, count(t, p))
	require.Len(t, p.proc.instant, 1)
	assert.Equal(t, ev.GUID, p.proc.instant[0].GUID)
	assert.Empty(t, p.obs.seen)
}

func TestStore_InstantDroppedWhenOffline(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	p.proc.canSend = false

	require.NoError(t, p.w.Store(event(types.TypeInstant, "")))

	assert.True(t, p.proc.rejected)
	assert.Zero(t, count(t, p), "instant events are never persisted")
}

func TestStore_P0PersistsThenFlushes(t *testing.T) {
	p := newPipelines(t, "socket")[0]

	require.NoError(t, p.w.Store(event(types.TypeP0, "")))

	assert.Equal(t, 1, count(t, p))
	assert.Equal(t, []string{types.TypeP0}, p.proc.flushed)
	assert.Empty(t, p.obs.seen, "p0 skips the regulator")
}

func TestStore_RegularEventObservedAndPersisted(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	ev := event(types.TypeRealTime, "User")

	require.NoError(t, p.w.Store(ev))

	assert.Equal(t, []string{ev.GUID}, p.obs.seen)
	all, err := p.store.FetchAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ev.GUID, all[0].GUID)
	assert.Empty(t, p.proc.flushed)
}

func TestStore_AfterStop(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	p.w.Stop()

	assert.ErrorIs(t, p.w.Store(event(types.TypeRealTime, "")), warehouse.ErrStopped)
	assert.Zero(t, count(t, p))
}

func TestStore_BusyPipelineRejectsWithoutBlocking(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	p.proc.busy = true

	assert.ErrorIs(t, p.w.Store(event(types.TypeRealTime, "")), warehouse.ErrBusy)
	assert.Zero(t, count(t, p))
}

// ─── Router ──────────────────────────────────────────────────────────────────

func TestRouter_MirrorsWhitelistedCategories(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	primary, secondary := ps[0], ps[1]
	r := warehouse.NewRouter(primary.w, secondary.w, []string{"User"})

	user := event(types.TypeRealTime, "User")
	require.NoError(t, r.Store(user))
	assert.Equal(t, 1, count(t, primary))
	assert.Equal(t, 1, count(t, secondary))

	require.NoError(t, r.Store(event(types.TypeRealTime, "Other")))
	assert.Equal(t, 2, count(t, primary))
	assert.Equal(t, 1, count(t, secondary))

	mirrored, err := secondary.store.FetchAll()
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, user.GUID, mirrored[0].GUID)
	assert.True(t, mirrored[0].IsMirrored)
	assert.False(t, user.IsMirrored, "the original is not modified")
}

func TestRouter_WhitelistIsCaseInsensitive(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, []string{"USER"})

	assert.True(t, r.Mirrors(event(types.TypeRealTime, "user")))
	assert.True(t, r.Mirrors(event(types.TypeRealTime, "User")))
	assert.False(t, r.Mirrors(event(types.TypeRealTime, "Users")))
}

func TestRouter_CategoryFallsBackToType(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, []string{"realtime"})

	assert.True(t, r.Mirrors(event(types.TypeRealTime, "")))
}

func TestRouter_NoSecondary(t *testing.T) {
	p := newPipelines(t, "socket")[0]
	r := warehouse.NewRouter(p.w, nil, []string{"User"})

	ev := event(types.TypeRealTime, "User")
	assert.False(t, r.Mirrors(ev))
	require.NoError(t, r.Store(ev))
	assert.Equal(t, 1, count(t, p))
	assert.ErrorIs(t, r.StoreViaSecondary(ev), warehouse.ErrNoSecondary)
}

func TestRouter_DirectStoresBypassRouting(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	primary, secondary := ps[0], ps[1]
	r := warehouse.NewRouter(primary.w, secondary.w, []string{"User"})

	require.NoError(t, r.StoreViaPrimary(event(types.TypeRealTime, "User")))
	assert.Equal(t, 1, count(t, primary))
	assert.Zero(t, count(t, secondary))

	require.NoError(t, r.StoreViaSecondary(event(types.TypeRealTime, "Other")))
	assert.Equal(t, 1, count(t, primary))
	assert.Equal(t, 1, count(t, secondary))
}

func TestRouter_CustomTransform(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, []string{"User"},
		warehouse.WithTransform(func(ev *types.Event) *types.Event {
			c := warehouse.Mirror(ev)
			c.Payload = []byte("broker-form")
			return c
		}))

	require.NoError(t, r.Store(event(types.TypeRealTime, "User")))
	mirrored, err := ps[1].store.FetchAll()
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, []byte("broker-form"), mirrored[0].Payload)
}

func TestRouter_SecondaryFailureDoesNotFailPrimary(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, []string{"User"})
	ps[1].w.Stop()

	require.NoError(t, r.Store(event(types.TypeRealTime, "User")))
	assert.Equal(t, 1, count(t, ps[0]))
}

func TestRouter_StopStopsBoth(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, nil)

	r.Stop()

	assert.True(t, ps[0].proc.stopped)
	assert.True(t, ps[1].proc.stopped)
}

func TestRouter_NilEventIsIgnored(t *testing.T) {
	ps := newPipelines(t, "socket", "broker")
	r := warehouse.NewRouter(ps[0].w, ps[1].w, []string{"User"})

	assert.False(t, r.Mirrors(nil))
	assert.NoError(t, r.Store(nil))
	assert.NoError(t, r.StoreViaPrimary(nil))
	assert.NoError(t, r.StoreViaSecondary(nil))
	assert.Zero(t, count(t, ps[0]))
	assert.Zero(t, count(t, ps[1]))
}
