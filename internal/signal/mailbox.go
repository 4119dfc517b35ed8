// Package signal holds the inbound negotiation mailbox and the
// single-flight drain primitive consumed by the negotiation engine.
package signal

import (
	"sync"

	"github.com/peerlink/peerlink/internal/domain"
)

// Mailbox is a FIFO queue of inbound negotiation signals plus a
// monotonically increasing version, bumped once per enqueue. A single
// "latest signal" slot loses messages when two land in one tick; the
// queue plus version lets the consumer detect new work without losing
// entries.
type Mailbox struct {
	mu      sync.Mutex
	queue   []domain.SignalMessage
	version uint64
	wake    chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Push appends a signal and bumps the version. The wake channel is
// coalesced: multiple pushes before the consumer runs collapse into one
// notification, the queue itself preserves every entry.
func (m *Mailbox) Push(sig domain.SignalMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, sig)
	m.version++
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest signal.
func (m *Mailbox) Pop() (domain.SignalMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return domain.SignalMessage{}, false
	}
	sig := m.queue[0]
	m.queue = m.queue[1:]
	return sig, true
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Version returns the enqueue counter. It never decreases, not even on
// Clear, so a consumer comparing versions always sees new arrivals.
func (m *Mailbox) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Clear drops all queued signals. Used on teardown: signals addressed to
// a defunct session must not leak into the next one.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// Wake returns the coalesced new-work notification channel.
func (m *Mailbox) Wake() <-chan struct{} {
	return m.wake
}
