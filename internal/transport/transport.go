// Package transport owns the websocket channel to the matchmaking
// service: dialing with a session token, queue-while-disconnected
// semantics, and the single-shot reconnect policy.
package transport

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/session"
)

// CloseCodeAuthFailed is the reserved close code for an authentication
// rejection. It is terminal: no retry is scheduled.
const CloseCodeAuthFailed = 4401

// retryDelay is the fixed reconnect delay. Exactly one retry timer is in
// flight at a time.
const retryDelay = time.Second

// CloseReason tags an intentional local close. Both reasons suppress the
// disconnect notice and the retry.
type CloseReason string

const (
	ReasonCancel      CloseReason = "cancel"
	ReasonRegionReset CloseReason = "region_reset"
)

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClosed
	EventError
)

// Event is one transport-level occurrence, delivered to the owning state
// machine which serializes all handling.
type Event struct {
	Kind EventKind

	// Data is the raw frame for EventMessage.
	Data []byte

	// Code is the websocket close code for EventClosed, when known.
	Code int
	// Reason is set when the close was requested locally.
	Reason CloseReason
	// Terminal marks an authentication rejection.
	Terminal bool

	Err error
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
)

var errBackpressure = errors.New("send buffer full")

// Transport is one logical reconnecting channel.
type Transport struct {
	endpoint string
	tokens   *session.TokenSource
	onEvent  func(Event)
	// idle reports whether the owner's phase is already idle; a close
	// observed in that situation does not schedule a retry.
	idle func() bool

	ctx context.Context

	mu          sync.Mutex
	state       connState
	region      domain.Region
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	pending     [][]byte
	closeReason CloseReason
	retryTimer  *time.Timer
	gen         uint64
}

// New creates a transport. Events are delivered from transport goroutines;
// the handler must hand them to a serialized loop.
func New(ctx context.Context, endpoint string, tokens *session.TokenSource, region domain.Region, onEvent func(Event), idle func() bool) *Transport {
	return &Transport{
		endpoint: endpoint,
		tokens:   tokens,
		region:   region,
		onEvent:  onEvent,
		idle:     idle,
		ctx:      ctx,
	}
}

// SetRegion switches the region used for token issuance on the next dial.
func (t *Transport) SetRegion(region domain.Region) {
	t.mu.Lock()
	t.region = region
	t.mu.Unlock()
}

func (t *Transport) Region() domain.Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.region
}

// Connect opens the channel. No-op when already open or opening. The dial
// runs in the background; the owner learns the outcome through EventOpen
// or EventError.
func (t *Transport) Connect() {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	if t.state != stateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = stateConnecting
	t.closeReason = ""
	gen := t.gen
	region := t.region
	t.mu.Unlock()

	go t.dial(gen, region)
}

func (t *Transport) dial(gen uint64, region domain.Region) {
	tok, err := t.tokens.Get(t.ctx, region)
	if err != nil {
		t.dialFailed(gen, err)
		return
	}

	endpoint := t.endpoint + "?token=" + url.QueryEscape(string(tok))
	conn, _, err := websocket.DefaultDialer.DialContext(t.ctx, endpoint, nil)
	if err != nil {
		t.dialFailed(gen, err)
		return
	}

	t.mu.Lock()
	if t.gen != gen {
		// A cancel or region reset invalidated this attempt mid-dial.
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.send = make(chan []byte, 32)
	t.done = make(chan struct{})
	send, done := t.send, t.done
	t.mu.Unlock()

	go t.writePump(conn, send, done)
	go t.readPump(gen, conn)

	// Drain frames queued while disconnected, in the order they were
	// queued, before declaring the channel open. Send calls made during
	// the drain keep appending behind the queue.
	for {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		if len(t.pending) == 0 {
			t.state = stateOpen
			t.mu.Unlock()
			break
		}
		frame := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		select {
		case send <- frame:
		case <-done:
			return
		}
	}

	log.Info().Str("module", "transport").Str("region", string(region)).Msg("channel open")
	t.onEvent(Event{Kind: EventOpen})
}

func (t *Transport) dialFailed(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.state = stateDisconnected
	// The channel never opened, so queued frames keep waiting for the
	// retry. The queue is cleared only when an observed channel closes.
	wasIdle := t.idle != nil && t.idle()
	t.mu.Unlock()

	log.Error().Err(err).Str("module", "transport").Msg("dial failed")
	t.onEvent(Event{Kind: EventError, Err: err})
	if !wasIdle {
		t.scheduleRetry()
	}
}

// Send dispatches a frame when the channel is open, or queues it (FIFO,
// unbounded) for replay once the channel opens. The queue survives failed
// dial attempts and is cleared on every close of an observed channel.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	if t.state != stateOpen {
		t.pending = append(t.pending, frame)
		t.mu.Unlock()
		return nil
	}
	send := t.send
	t.mu.Unlock()

	select {
	case send <- frame:
		return nil
	default:
		log.Warn().Str("module", "transport").Msg("send buffer full, frame dropped")
		return errBackpressure
	}
}

func (t *Transport) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				return
			}
		}
	}
}

func (t *Transport) readPump(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		t.onEvent(Event{Kind: EventMessage, Data: data})
	}
}

func (t *Transport) handleClose(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	reason := t.closeReason
	t.closeReason = ""
	t.state = stateDisconnected
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.send = nil
	t.pending = nil
	wasIdle := t.idle != nil && t.idle()
	region := t.region
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	code := 0
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	terminal := code == CloseCodeAuthFailed
	if terminal {
		// The cached token was rejected; a later find must re-issue.
		t.tokens.Invalidate(region)
	}

	log.Info().Str("module", "transport").Int("code", code).
		Str("reason", string(reason)).Msg("channel closed")
	t.onEvent(Event{Kind: EventClosed, Code: code, Reason: reason, Terminal: terminal, Err: err})

	if terminal || reason != "" || wasIdle {
		return
	}
	t.scheduleRetry()
}

// scheduleRetry arms the single reconnect timer. Duplicate scheduling is
// a no-op; the retry re-enters Connect, which re-requests a token for the
// current region.
func (t *Transport) scheduleRetry() {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retryTimer != nil {
		return
	}
	t.retryTimer = time.AfterFunc(retryDelay, func() {
		t.mu.Lock()
		t.retryTimer = nil
		t.mu.Unlock()
		t.Connect()
	})
}

// CancelRetry stops a pending reconnect timer, if any.
func (t *Transport) CancelRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

// Close closes the channel with an intentional reason, suppressing the
// retry and the disconnect notice. Safe to call in any state.
func (t *Transport) Close(reason CloseReason) {
	t.mu.Lock()
	t.closeReason = reason
	conn := t.conn
	switch t.state {
	case stateConnecting:
		// Invalidate the in-flight dial; its result will be discarded.
		// The dial may already have attached a connection and started
		// the pumps, so release them here: its handleClose will see a
		// stale generation and return without touching them.
		t.gen++
		t.state = stateDisconnected
		t.pending = nil
		t.conn = nil
		if t.done != nil {
			close(t.done)
			t.done = nil
		}
		t.send = nil
	case stateDisconnected:
		t.pending = nil
	}
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)), deadline)
		_ = conn.Close()
	}
}

// Open reports whether the channel is currently open.
func (t *Transport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}
