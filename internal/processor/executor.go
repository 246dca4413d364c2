package processor

import "sync"

const inboxSize = 4096

// executor runs submitted tasks one at a time on its own goroutine. It is
// the pipeline's serial context: warehouser stores, scheduler ticks,
// lifecycle handling and flushes never overlap.
type executor struct {
	inbox chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newExecutor() *executor {
	return &executor{
		inbox: make(chan func(), inboxSize),
		quit:  make(chan struct{}),
	}
}

func (e *executor) start() {
	e.wg.Add(1)
	go e.run()
}

// submit queues fn. It returns false after stop.
func (e *executor) submit(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.inbox <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// offer queues fn without blocking. It fails with ErrBusy when the inbox is
// full and ErrStopped after stop.
func (e *executor) offer(fn func()) error {
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// trySubmit queues fn unless the inbox is full.
func (e *executor) trySubmit(fn func()) bool { return e.offer(fn) == nil }

// stop runs every task already queued and then exits.
func (e *executor) stop() {
	e.once.Do(func() { close(e.quit) })
	e.wg.Wait()
}

func (e *executor) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.quit:
			for {
				select {
				case fn := <-e.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}
