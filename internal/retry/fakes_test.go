package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/signal"
	"github.com/snehjoshi/beacon/internal/storage/bolt"
	"github.com/snehjoshi/beacon/internal/transport"
)

var errWrite = errors.New("write failed")

// fakeSocket records every call. Payloads are the unit GUIDs.
type fakeSocket struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	resets      int
	writes      []string
	writeErr    error
	connectErr  error
	events      chan transport.Event
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan transport.Event, 16)}
}

func (f *fakeSocket) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSocket) Write(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(payload))
	return f.writeErr
}

func (f *fakeSocket) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSocket) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSocket) Events() <-chan transport.Event { return f.events }

func (f *fakeSocket) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeSocket) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// fakeBroker records publishes and fallback sends.
type fakeBroker struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	clientID    string
	publishes   []string
	publishErr  error
	fallbacks   []string
	fallbackErr error
	events      chan transport.Event
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{events: make(chan transport.Event, 16)}
}

func (f *fakeBroker) Connect(_ context.Context, clientID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.clientID = clientID
	return nil
}

func (f *fakeBroker) Publish(_ context.Context, _, guid string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, guid)
	return f.publishErr
}

func (f *fakeBroker) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeBroker) Events() <-chan transport.Event { return f.events }

func (f *fakeBroker) Send(_ context.Context, guid string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, guid)
	return f.fallbackErr
}

func (f *fakeBroker) snapshot() (connects, publishes, fallbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, len(f.publishes), len(f.fallbacks)
}

// env bundles the collaborators of one Manager under test.
type env struct {
	reach *signal.ManualReachability
	power *signal.ManualPower
	life  *signal.ManualLifecycle
	hub   *signal.Hub
	cache *bolt.RequestTable
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cache, err := db.Requests("test")
	require.NoError(t, err)

	e := &env{
		reach: signal.NewManualReachability(true),
		power: signal.NewManualPower(10),
		life:  signal.NewManualLifecycle(),
		cache: cache,
	}
	e.hub = signal.NewHub(e.reach, e.power, e.life)
	e.hub.Start(context.Background())
	t.Cleanup(e.hub.Stop)
	return e
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRequestAckTimeout:               time.Hour,
		MaxRetriesPerBatch:                 3,
		ConnectionTerminationTimerWaitTime: time.Hour,
		ConnectionRetryDuration:            10 * time.Millisecond,
		KeepAliveInterval:                  time.Hour,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
