package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/collector"
	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/node"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
	"github.com/snehjoshi/beacon/pkg/client"
)

const (
	apiKey = "k"
	secret = "s"
)

// ─── test server helpers ──────────────────────────────────────────────────────

func newTestEnv(t *testing.T, opts ...collector.Option) string {
	t.Helper()
	srv := collector.New(config.CollectorConfig{APIKey: apiKey, Secret: secret}, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func ctx() context.Context { return context.Background() }

func batch(n int) *types.Batch {
	b := &types.Batch{UUID: node.MustNewID()}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, types.NewEvent(node.MustNewID(), types.TypeRealTime, "User", []byte("x")))
	}
	return b
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	c := client.New(newTestEnv(t))
	h, err := c.Health(ctx())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestStats_RequiresKey(t *testing.T) {
	url := newTestEnv(t)

	_, err := client.New(url).Stats(ctx())
	require.Error(t, err)
	assert.True(t, client.IsUnauthorized(err))

	s, err := client.New(url, client.WithAPIKey(apiKey)).Stats(ctx())
	require.NoError(t, err)
	assert.Zero(t, s.Batches)
}

func TestReplay_CountsBatch(t *testing.T) {
	c := client.New(newTestEnv(t), client.WithAPIKey(apiKey), client.WithSecret(secret))

	b := batch(3)
	ack, err := c.Replay(ctx(), b)
	require.NoError(t, err)
	assert.True(t, ack.OK())
	assert.Equal(t, b.UUID, ack.GUID)

	s, err := c.Stats(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Batches)
	assert.Equal(t, int64(3), s.Events)
}

func TestReplay_UnsignedIsUnauthorized(t *testing.T) {
	c := client.New(newTestEnv(t), client.WithAPIKey(apiKey))
	_, err := c.Replay(ctx(), batch(1))
	assert.True(t, client.IsUnauthorized(err))
}

func TestReplay_RejectedIsNotAnError(t *testing.T) {
	url := newTestEnv(t, collector.WithRejector(func(*types.Batch) wire.Code {
		return wire.CodeUserLimitReached
	}))
	c := client.New(url, client.WithAPIKey(apiKey), client.WithSecret(secret))

	ack, err := c.Replay(ctx(), batch(1))
	require.NoError(t, err)
	assert.False(t, ack.OK())
	assert.Equal(t, wire.CodeUserLimitReached, ack.Code)
}

func TestReplay_NeedsUUID(t *testing.T) {
	c := client.New("http://unused")
	_, err := c.Replay(ctx(), &types.Batch{})
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	c := client.New(slow.URL, client.WithTimeout(50*time.Millisecond))
	_, err := c.Health(ctx())
	assert.Error(t, err)
}
