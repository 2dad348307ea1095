package node

import (
	"context"
	"sync"

	"github.com/marmos91/erlnode/pkg/etf"
)

// Message is one entry of a process mailbox.
type Message interface {
	isMessage()
}

// Regular is an ordinary message delivered with Send or RegSend. From is nil
// when the sender did not identify itself.
type Regular struct {
	From *etf.Pid
	Body etf.Term
}

// ExitSignal is a link exit propagated to a linked process.
type ExitSignal struct {
	From   etf.Pid
	Reason etf.Term
}

// MonitorExit reports that a monitored process terminated.
type MonitorExit struct {
	Monitored etf.Pid
	Ref       etf.Ref
	Reason    etf.Term
}

// shutdown asks the executor to run the termination path.
type shutdown struct{}

func (Regular) isMessage()     {}
func (ExitSignal) isMessage()  {}
func (MonitorExit) isMessage() {}
func (shutdown) isMessage()    {}

// Mailbox is an unbounded FIFO queue with one owning consumer. Delivery
// order from a single sender is preserved; cross-sender ordering is
// unspecified. A closed mailbox rejects new messages and hands the sentinel
// error to its consumer once drained.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	closed bool
}

// NewMailbox returns an empty open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Enqueue appends msg, failing once the mailbox is closed.
func (m *Mailbox) Enqueue(msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a message is available, the mailbox is closed and
// drained, or ctx is cancelled.
func (m *Mailbox) Dequeue(ctx context.Context) (Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMailboxClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

// Close marks the mailbox closed and wakes the consumer. Queued messages
// remain readable until drained.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
