package sync

import (
	gosync "sync"

	tea "github.com/charmbracelet/bubbletea"
)

// outbox buffers messages for the UI. Publishing never blocks the loop;
// consecutive snapshots collapse into the newest one since only the latest
// state matters, while every other message is delivered in order.
type outbox struct {
	mu     gosync.Mutex
	queue  []tea.Msg
	signal chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) publish(msg tea.Msg) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := msg.(SnapshotMsg); ok && len(o.queue) > 0 {
		if _, lastIsSnapshot := o.queue[len(o.queue)-1].(SnapshotMsg); lastIsSnapshot {
			o.queue[len(o.queue)-1] = msg
			o.mu.Unlock()
			return
		}
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// next blocks until a message is available. It returns nil once the outbox
// is closed and drained.
func (o *outbox) next() tea.Msg {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			msg := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return msg
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil
		}
		<-o.signal
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
