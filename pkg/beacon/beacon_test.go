package beacon_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/collector"
	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
	"github.com/snehjoshi/beacon/pkg/beacon"
)

const apiKey = "sdk-key"

// received collects every event GUID delivered to a backend.
type received struct {
	mu     sync.Mutex
	events map[string]*types.Event
}

func newReceived() *received { return &received{events: make(map[string]*types.Event)} }

func (r *received) add(b *types.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range b.Events {
		r.events[ev.GUID] = ev
	}
}

func (r *received) get(guid string) (*types.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[guid]
	return ev, ok
}

func startCollector(t *testing.T) (*httptest.Server, *received) {
	t.Helper()
	got := newReceived()
	srv := collector.New(config.CollectorConfig{APIKey: apiKey},
		collector.WithSink(func(d collector.Delivery) { got.add(d.Batch) }))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, got
}

func testConfig(t *testing.T, ts *httptest.Server) *beacon.Config {
	t.Helper()
	cfg := beacon.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Socket.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	cfg.Socket.APIKey = apiKey
	cfg.Scheduler.Heartbeat = 50 * time.Millisecond

	size := int64(50000)
	tick := 50 * time.Millisecond
	cfg.Priorities = []beacon.Priority{
		{Order: 0, Identifier: beacon.TypeRealTime, MaxBatchSize: &size, MaxTimeBetweenTwoBatches: &tick},
		{Order: 1, Identifier: beacon.TypeP0},
	}
	return cfg
}

// fakeBroker acks every publish right away.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	ids       [2]string
	published []*types.Batch
	events    chan transport.Event
}

func newFakeBroker() *fakeBroker { return &fakeBroker{events: make(chan transport.Event, 64)} }

func (f *fakeBroker) Connect(_ context.Context, clientID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.ids = [2]string{clientID, userID}
	return nil
}

func (f *fakeBroker) Publish(_ context.Context, _, guid string, payload []byte) error {
	b, _, err := wire.UnmarshalBatch(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, b)
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.EventAck, Ack: wire.Ack{GUID: guid, Status: wire.StatusOK}}
	return nil
}

func (f *fakeBroker) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeBroker) Events() <-chan transport.Event { return f.events }

func (f *fakeBroker) has(guid string) (*types.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.published {
		for _, ev := range b.Events {
			if ev.GUID == guid {
				return ev, true
			}
		}
	}
	return nil, false
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := beacon.DefaultConfig()
	cfg.DataDir = ""

	_, err := beacon.New(cfg)
	var ie *beacon.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "config", ie.Op)
}

func TestNew_StoreLocked(t *testing.T) {
	ts, _ := startCollector(t)
	cfg := testConfig(t, ts)

	first, err := beacon.New(cfg)
	require.NoError(t, err)
	defer first.StopTracking()

	_, err = beacon.New(cfg)
	var ie *beacon.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "storage", ie.Op)
}

func TestTrackEvent_DeliveredOverSocket(t *testing.T) {
	ts, got := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)
	defer tr.StopTracking()

	ev := beacon.NewEvent(beacon.TypeRealTime, "User", []byte(`{"n":1}`))
	require.NoError(t, tr.TrackEvent(ev))

	require.Eventually(t, func() bool {
		_, ok := got.get(ev.GUID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	delivered, _ := got.get(ev.GUID)
	assert.Equal(t, ev.Payload, delivered.Payload)
	assert.Equal(t, "User", delivered.Category)
	assert.Equal(t, beacon.StateConnected, tr.States()["socket"])
}

func TestTrackEvent_InstantAndP0(t *testing.T) {
	ts, got := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)
	defer tr.StopTracking()

	require.Eventually(t, func() bool { return tr.States()["socket"] == beacon.StateConnected },
		5*time.Second, 10*time.Millisecond)

	instant := beacon.NewEvent(beacon.TypeInstant, "", []byte("now"))
	p0 := beacon.NewEvent(beacon.TypeP0, "", []byte("urgent"))
	require.NoError(t, tr.TrackEvent(instant))
	require.NoError(t, tr.TrackEvent(p0))

	require.Eventually(t, func() bool {
		_, a := got.get(instant.GUID)
		_, b := got.get(p0.GUID)
		return a && b
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTrackEvent_MirrorsWhitelistedIntoBroker(t *testing.T) {
	ts, got := startCollector(t)
	cfg := testConfig(t, ts)
	cfg.Broker.Enabled = true
	cfg.Broker.Whitelist = []string{"User"}
	fb := newFakeBroker()

	tr, err := beacon.New(cfg, beacon.WithBrokerTransport(fb))
	require.NoError(t, err)
	defer tr.StopTracking()
	tr.ConfigureIdentifiers(beacon.Identifiers{ClientID: "client", UserID: "user"})

	user := beacon.NewEvent(beacon.TypeRealTime, "user", []byte("u"))
	other := beacon.NewEvent(beacon.TypeRealTime, "Other", []byte("o"))
	require.NoError(t, tr.TrackEvent(user))
	require.NoError(t, tr.TrackEvent(other))

	require.Eventually(t, func() bool {
		_, a := got.get(user.GUID)
		_, b := got.get(other.GUID)
		_, c := fb.has(user.GUID)
		return a && b && c
	}, 5*time.Second, 20*time.Millisecond)

	mirrored, _ := fb.has(user.GUID)
	assert.True(t, mirrored.IsMirrored)
	_, leaked := fb.has(other.GUID)
	assert.False(t, leaked)

	fb.mu.Lock()
	assert.Equal(t, [2]string{"client", "user"}, fb.ids)
	fb.mu.Unlock()
}

func TestTrackEventViaSecondary(t *testing.T) {
	ts, _ := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)
	defer tr.StopTracking()

	err = tr.TrackEventViaSecondary(beacon.NewEvent(beacon.TypeRealTime, "", nil))
	assert.ErrorIs(t, err, beacon.ErrNoSecondary)
}

func TestConnectionStates(t *testing.T) {
	ts, _ := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)

	states := tr.ConnectionStates()
	require.Eventually(t, func() bool { return tr.States()["socket"] == beacon.StateConnected },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.StopTracking())

	var last beacon.StateChange
	for sc := range states {
		assert.Equal(t, "socket", sc.Pipeline)
		last = sc
	}
	assert.Equal(t, beacon.StateClosed, last.State)
}

func TestStopTracking(t *testing.T) {
	ts, _ := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)

	require.NoError(t, tr.StopTracking())
	require.NoError(t, tr.StopTracking())

	err = tr.TrackEvent(beacon.NewEvent(beacon.TypeRealTime, "", nil))
	assert.True(t, errors.Is(err, beacon.ErrStopped))
}

func TestEventsSurviveRestart(t *testing.T) {
	ts, got := startCollector(t)
	cfg := testConfig(t, ts)

	// Offline: nothing can be forwarded, so the event stays in the outbox.
	offline := beacon.NewManualReachability(false)
	tr, err := beacon.New(cfg, beacon.WithSignals(offline, nil, nil))
	require.NoError(t, err)
	ev := beacon.NewEvent(beacon.TypeRealTime, "", []byte("persisted"))
	require.NoError(t, tr.TrackEvent(ev))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tr.StopTracking())
	_, delivered := got.get(ev.GUID)
	require.False(t, delivered)

	tr, err = beacon.New(cfg)
	require.NoError(t, err)
	defer tr.StopTracking()
	require.Eventually(t, func() bool {
		_, ok := got.get(ev.GUID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTrackEvent_RejectsUntypedEvents(t *testing.T) {
	ts, _ := startCollector(t)
	tr, err := beacon.New(testConfig(t, ts))
	require.NoError(t, err)
	defer tr.StopTracking()

	assert.ErrorIs(t, tr.TrackEvent(nil), beacon.ErrInvalidEvent)
	assert.ErrorIs(t, tr.TrackEventViaPrimary(&beacon.Event{GUID: "g1"}), beacon.ErrInvalidEvent)
	assert.ErrorIs(t, tr.TrackEventViaSecondary(nil), beacon.ErrInvalidEvent)
}

func TestReportBattery_PausesBelowMinimumLevel(t *testing.T) {
	ts, _ := startCollector(t)
	cfg := testConfig(t, ts)
	cfg.Retry.ConnectionRetryDuration = 20 * time.Millisecond
	cfg.Device.MinBatteryLevelPercent = 10

	tr, err := beacon.New(cfg)
	require.NoError(t, err)
	defer tr.StopTracking()

	socketIs := func(want beacon.ConnectionState) func() bool {
		return func() bool { return tr.States()["socket"] == want }
	}
	require.Eventually(t, socketIs(beacon.StateConnected), 5*time.Second, 10*time.Millisecond)

	tr.ReportBattery(15, false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beacon.StateConnected, tr.States()["socket"])

	tr.ReportBattery(5, false)
	require.Eventually(t, socketIs(beacon.StateClosed), 5*time.Second, 10*time.Millisecond)

	tr.ReportBattery(5, true)
	require.Eventually(t, socketIs(beacon.StateConnected), 5*time.Second, 10*time.Millisecond)
}

func TestRemoveIdentifiers_SocketKeepsFollowingReachability(t *testing.T) {
	ts, _ := startCollector(t)
	cfg := testConfig(t, ts)
	cfg.Broker.Enabled = true
	cfg.Retry.ConnectionRetryDuration = 20 * time.Millisecond
	reach := beacon.NewManualReachability(true)

	tr, err := beacon.New(cfg, beacon.WithBrokerTransport(newFakeBroker()), beacon.WithSignals(reach, nil, nil))
	require.NoError(t, err)
	defer tr.StopTracking()

	tr.ConfigureIdentifiers(beacon.Identifiers{ClientID: "client", UserID: "user"})
	tr.RemoveIdentifiers()

	// Far more flips than any subscription buffer holds.
	for i := 0; i < 40; i++ {
		reach.Set(false)
		reach.Set(true)
	}
	require.Eventually(t, func() bool { return tr.States()["socket"] == beacon.StateConnected },
		5*time.Second, 10*time.Millisecond)
}
