package retry

import (
	"sync"

	"github.com/snehjoshi/beacon/internal/types"
)

// StateCell holds one pipeline's connection state. Only the Manager writes
// it; Get and Watch may be called from any goroutine. A Set happens-before
// every Get that observes its value.
type StateCell struct {
	mu       sync.RWMutex
	v        types.ConnectionState
	watchers []chan types.ConnectionState
	closed   bool
}

// NewStateCell returns a cell in the closed state.
func NewStateCell() *StateCell {
	return &StateCell{v: types.StateClosed}
}

// Get returns the current state.
func (c *StateCell) Get() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

// Set stores s and notifies watchers. Slow watchers only see the latest
// value.
func (c *StateCell) Set(s types.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.v = s
	for _, w := range c.watchers {
		select {
		case w <- s:
		default:
			select {
			case <-w:
			default:
			}
			select {
			case w <- s:
			default:
			}
		}
	}
}

// Watch returns a channel receiving every later state change. The channel is
// closed when the cell is closed.
func (c *StateCell) Watch() <-chan types.ConnectionState {
	ch := make(chan types.ConnectionState, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.watchers = append(c.watchers, ch)
	return ch
}

// Close closes every watcher channel. Later Sets are ignored.
func (c *StateCell) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, w := range c.watchers {
		close(w)
	}
	c.watchers = nil
}
