package docstore

import (
	"sync"
	"sync/atomic"
)

type delivery struct {
	snap Snapshot
	err  error
}

// mailbox delivers one listener's snapshots in order on its own goroutine,
// so a slow listener never blocks writers or other listeners.
type mailbox struct {
	mu     sync.Mutex
	items  []delivery
	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

func newMailbox(fn Listener) *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run(fn)
	return m
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	m.items = append(m.items, d)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(fn Listener) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			d := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()

			if m.closed.Load() {
				return
			}
			fn(d.snap, d.err)
		}
	}
}

// close stops delivery. A callback already running is not interrupted.
func (m *mailbox) close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}
