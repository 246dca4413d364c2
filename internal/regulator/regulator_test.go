package regulator_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/beacon/internal/regulator"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

// memSettings is an in-memory storage.Settings.
type memSettings struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemSettings() *memSettings { return &memSettings{m: map[string][]byte{}} }

func (s *memSettings) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (s *memSettings) Put(key string, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
	return nil
}

func sized(n int) *types.Event { return &types.Event{Payload: make([]byte, n)} }

func TestRegulator_DefaultAverage(t *testing.T) {
	r := regulator.New(newMemSettings(), "socket")
	assert.Equal(t, regulator.DefaultAverageSize, r.AverageSize())
	assert.Equal(t, 50, r.RegulatedNumberOfItemsPerBatch(50*1024))
}

func TestRegulator_AtLeastOne(t *testing.T) {
	r := regulator.New(newMemSettings(), "socket")
	r.Observe(sized(4096))
	assert.Equal(t, 1, r.RegulatedNumberOfItemsPerBatch(100))
	assert.Equal(t, 1, r.RegulatedNumberOfItemsPerBatch(0))
}

func TestRegulator_AdaptsToObservedSize(t *testing.T) {
	r := regulator.New(newMemSettings(), "socket")
	for i := 0; i < 10; i++ {
		r.Observe(sized(100))
	}
	for i := 0; i < 10; i++ {
		r.Observe(sized(300))
	}
	assert.Equal(t, int64(200), r.AverageSize())
	assert.Equal(t, 250, r.RegulatedNumberOfItemsPerBatch(50_000))
}

func TestRegulator_PersistsAcrossInstances(t *testing.T) {
	settings := newMemSettings()
	r := regulator.New(settings, "socket", regulator.WithFlushEvery(1000))
	r.Observe(sized(500))
	r.Observe(sized(500))
	require.NoError(t, r.Close())

	restored := regulator.New(settings, "socket")
	assert.Equal(t, int64(500), restored.AverageSize())

	other := regulator.New(settings, "broker")
	assert.Equal(t, regulator.DefaultAverageSize, other.AverageSize(), "pipelines keep independent counters")
}

func TestRegulator_FlushEvery(t *testing.T) {
	settings := newMemSettings()
	r := regulator.New(settings, "socket", regulator.WithFlushEvery(2))
	r.Observe(sized(10))
	_, err := settings.Get("regulator.socket")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	r.Observe(sized(10))
	_, err = settings.Get("regulator.socket")
	assert.NoError(t, err)
}

func TestRegulator_WindowFavoursRecentTraffic(t *testing.T) {
	r := regulator.New(newMemSettings(), "socket", regulator.WithWindow(10))
	for i := 0; i < 10; i++ {
		r.Observe(sized(1000))
	}
	for i := 0; i < 40; i++ {
		r.Observe(sized(10))
	}
	assert.Less(t, r.AverageSize(), int64(100))
}

func TestRegulator_CorruptRecordStartsFresh(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.Put("regulator.socket", []byte("{not json")))
	r := regulator.New(settings, "socket")
	assert.Equal(t, regulator.DefaultAverageSize, r.AverageSize())
}
