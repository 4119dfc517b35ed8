// Package match implements the matchmaking state machine: it drives the
// signal transport through find/cancel requests, tracks the connection
// phase, and routes relayed negotiation signals into the mailbox.
package match

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/session"
	"github.com/peerlink/peerlink/internal/signal"
	"github.com/peerlink/peerlink/internal/transport"
)

// NoticeLevel distinguishes transient toasts from persistent errors.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a user-facing message. Persistent notices stay until the user
// acts (auth failure); the rest are transient.
type Notice struct {
	Level      NoticeLevel
	Text       string
	Persistent bool
}

// Callbacks surface machine output to the host application. All callbacks
// are invoked from the machine's serialized loop.
type Callbacks struct {
	// OnRoom fires when a room becomes active (non-nil) or is cleared
	// (nil). The negotiation engine activates and tears down on it.
	OnRoom func(room *domain.Room)
	// OnNotice surfaces transient and persistent user notices.
	OnNotice func(n Notice)
	// OnChat surfaces plain peer chat lines.
	OnChat func(text string)
}

type findIntent struct {
	mode   string
	region domain.Region
}

// event is the single input type of the serialized update loop: either a
// transport occurrence or a posted command.
type event struct {
	transport *transport.Event
	command   func()
}

// Machine owns the connection phase. Single writer: its loop goroutine.
type Machine struct {
	tr      *transport.Transport
	mailbox *signal.Mailbox
	cb      Callbacks
	log     activityLog

	events chan event
	ctx    context.Context

	// Loop-owned state, mirrored under snap.mu for cross-goroutine reads.
	phase       domain.Phase
	room        *domain.Room
	pendingFind *findIntent
	lastFind    *findIntent

	snap snapshot
}

// New wires a machine over a transport endpoint. The transport is created
// here so its idle probe can observe the machine's phase at close time.
func New(ctx context.Context, endpoint string, tokens *session.TokenSource, region domain.Region, mailbox *signal.Mailbox, cb Callbacks) *Machine {
	m := &Machine{
		mailbox: mailbox,
		cb:      cb,
		events:  make(chan event, 64),
		ctx:     ctx,
		phase:   domain.PhaseIdle,
	}
	m.snap.phase = domain.PhaseIdle
	m.tr = transport.New(ctx, endpoint, tokens, region, m.postTransport, func() bool {
		return m.Phase() == domain.PhaseIdle
	})
	go m.loop()
	return m
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.ctx.Done():
			m.tr.CancelRetry()
			m.tr.Close(transport.ReasonCancel)
			return
		case ev := <-m.events:
			if ev.command != nil {
				ev.command()
			} else if ev.transport != nil {
				m.handleTransport(*ev.transport)
			}
		}
	}
}

func (m *Machine) postTransport(te transport.Event) {
	select {
	case m.events <- event{transport: &te}:
	case <-m.ctx.Done():
	}
}

func (m *Machine) post(cmd func()) {
	select {
	case m.events <- event{command: cmd}:
	case <-m.ctx.Done():
	}
}

// FindRandom requests a random match. No-op with a transient notice while
// a search or room is already active.
func (m *Machine) FindRandom() {
	m.post(func() { m.find(findIntent{mode: "random", region: m.tr.Region()}) })
}

// FindRegion requests a match restricted to a region, tearing down and
// reopening the transport first when the region differs from the active
// one.
func (m *Machine) FindRegion(region domain.Region) {
	m.post(func() { m.find(findIntent{mode: "region", region: region}) })
}

// SwitchRegion changes the preferred region. An in-flight search carries
// over: the channel is reset under the new region and the find replayed
// exactly once. A no-op when the region is unchanged.
func (m *Machine) SwitchRegion(region domain.Region) {
	m.post(func() {
		if region == m.tr.Region() {
			return
		}
		m.log.add("region_switch", string(region))

		var intent *findIntent
		if m.phase == domain.PhaseConnecting || m.phase == domain.PhaseQueued {
			mode := "random"
			if m.lastFind != nil {
				mode = m.lastFind.mode
			}
			intent = &findIntent{mode: mode, region: region}
		}

		m.tr.CancelRetry()
		m.tr.SetRegion(region)
		m.clearRoom()

		if m.tr.Open() {
			// Replay happens when the reset close lands.
			m.pendingFind = intent
			if intent != nil {
				m.setPhase(domain.PhaseConnecting)
			} else {
				m.setPhase(domain.PhaseIdle)
			}
			m.tr.Close(transport.ReasonRegionReset)
			return
		}

		// Not open: kill any in-flight dial and replay directly.
		m.tr.Close(transport.ReasonRegionReset)
		m.pendingFind = nil
		if intent != nil {
			m.setPhase(domain.PhaseConnecting)
			m.issueFind(*intent)
			m.tr.Connect()
		} else {
			m.setPhase(domain.PhaseIdle)
		}
	})
}

func (m *Machine) find(intent findIntent) {
	if m.phase.Active() {
		m.notice(Notice{Level: NoticeInfo, Text: "already searching or in a room"})
		return
	}

	if intent.region != m.tr.Region() && m.tr.Open() {
		// Region switch: reset the channel under the new region and
		// replay this find once the reset completes.
		m.log.add("region_reset", string(intent.region))
		m.lastFind = &intent
		m.pendingFind = &intent
		m.tr.CancelRetry()
		m.tr.SetRegion(intent.region)
		m.clearRoom()
		m.setPhase(domain.PhaseConnecting)
		m.tr.Close(transport.ReasonRegionReset)
		return
	}

	m.lastFind = &intent
	m.tr.SetRegion(intent.region)
	m.setPhase(domain.PhaseConnecting)
	m.issueFind(intent)
	m.tr.Connect()
}

func (m *Machine) issueFind(intent findIntent) {
	frame := findFrame{Type: "find", Mode: intent.mode}
	if intent.mode == "region" {
		frame.Region = string(intent.region)
	}
	m.sendJSON(frame)
	m.log.add("find", intent.mode+" "+string(intent.region))
}

// Cancel sends a best-effort cancel, closes the channel and resets to
// idle regardless of send success.
func (m *Machine) Cancel() {
	m.post(func() {
		m.sendJSON(cancelFrame{Type: "cancel"})
		m.pendingFind = nil
		m.tr.CancelRetry()
		m.tr.Close(transport.ReasonCancel)
		m.clearRoom()
		m.setPhase(domain.PhaseIdle)
		m.log.add("cancel", "")
		m.notice(Notice{Level: NoticeInfo, Text: "search cancelled"})
	})
}

// SendChat relays a plain chat line to the current room.
func (m *Machine) SendChat(text string) {
	m.post(func() {
		if m.room == nil {
			return
		}
		msg, err := json.Marshal(text)
		if err != nil {
			return
		}
		m.sendJSON(chatFrame{Type: "chat", RoomID: string(m.room.ID), Message: msg})
	})
}

// SendSignal relays a negotiation signal through the room's chat channel.
// Callers may invoke it from any goroutine.
func (m *Machine) SendSignal(sig domain.SignalMessage) {
	m.post(func() {
		if m.room == nil {
			return
		}
		msg, err := domain.WrapSignal(sig)
		if err != nil {
			log.Error().Err(err).Str("module", "match").Msg("wrap signal")
			return
		}
		m.log.add("signal_out", string(sig.Kind))
		m.sendJSON(chatFrame{Type: "chat", RoomID: string(m.room.ID), Message: msg})
	})
}

func (m *Machine) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "match").Msg("marshal frame")
		return
	}
	_ = m.tr.Send(data)
}

func (m *Machine) handleTransport(te transport.Event) {
	switch te.Kind {
	case transport.EventOpen:
		m.log.add("open", string(m.tr.Region()))
	case transport.EventError:
		m.log.add("error", te.Err.Error())
		m.notice(Notice{Level: NoticeError, Text: "connection error"})
	case transport.EventMessage:
		m.handleMessage(te.Data)
	case transport.EventClosed:
		m.handleClosed(te)
	}
}

func (m *Machine) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "match").Msg("bad frame")
		return
	}
	if env.Error != "" {
		m.log.add("server_error", env.Error)
		log.Warn().Str("module", "match").Str("error", env.Error).Msg("server error")
		return
	}

	switch env.Type {
	case "queued":
		m.setPhase(domain.PhaseQueued)
		m.log.add("queued", "")
	case "matched":
		room := &domain.Room{ID: domain.RoomID(env.RoomID)}
		if env.Peer != nil {
			room.PeerRegion = domain.Region(env.Peer.Region)
		}
		m.setRoom(room)
		m.setPhase(domain.PhaseInRoom)
		m.log.add("matched", env.RoomID)
	case "peer_left":
		m.log.add("peer_left", "")
		m.notice(Notice{Level: NoticeInfo, Text: "peer left"})
		m.clearRoom()
		m.setPhase(domain.PhaseIdle)
	case "cancelled":
		m.log.add("cancelled", "")
	case "chat":
		m.handleChat(env)
	default:
		m.log.add("unknown", env.Type)
		log.Warn().Str("module", "match").Str("type", env.Type).Msg("unknown frame")
	}
}

func (m *Machine) handleChat(env envelope) {
	sig, text := domain.UnwrapSignal(env.Message)
	if sig != nil {
		// Recorded for audit and forwarded; never rendered as chat.
		m.log.add("signal_in", string(sig.Kind))
		m.mailbox.Push(*sig)
		return
	}
	m.log.add("chat", "")
	if text != "" && m.cb.OnChat != nil {
		m.cb.OnChat(text)
	}
}

func (m *Machine) handleClosed(te transport.Event) {
	m.log.add("closed", string(te.Reason))

	switch {
	case te.Terminal:
		m.pendingFind = nil
		m.clearRoom()
		m.setPhase(domain.PhaseIdle)
		m.notice(Notice{Level: NoticeError, Text: "authentication failed", Persistent: true})
	case te.Reason == transport.ReasonRegionReset:
		// Reset complete: replay the deferred find under the new region.
		m.clearRoom()
		if intent := m.pendingFind; intent != nil {
			m.pendingFind = nil
			m.issueFind(*intent)
			m.tr.Connect()
		} else {
			m.setPhase(domain.PhaseIdle)
		}
	case te.Reason == transport.ReasonCancel:
		// Already reset by Cancel.
	default:
		m.clearRoom()
		m.setPhase(domain.PhaseIdle)
		m.notice(Notice{Level: NoticeInfo, Text: "disconnected"})
	}
}

func (m *Machine) setPhase(p domain.Phase) {
	m.phase = p
	m.snap.setPhase(p)
}

func (m *Machine) setRoom(room *domain.Room) {
	m.room = room
	m.snap.setRoom(room)
	if m.cb.OnRoom != nil {
		m.cb.OnRoom(room)
	}
}

func (m *Machine) clearRoom() {
	if m.room == nil {
		return
	}
	m.room = nil
	m.snap.setRoom(nil)
	if m.cb.OnRoom != nil {
		m.cb.OnRoom(nil)
	}
}

func (m *Machine) notice(n Notice) {
	if m.cb.OnNotice != nil {
		m.cb.OnNotice(n)
	}
}

// Phase returns the current phase. Safe from any goroutine.
func (m *Machine) Phase() domain.Phase { return m.snap.Phase() }

// Room returns the active room assignment, if any.
func (m *Machine) Room() *domain.Room { return m.snap.Room() }

// Activities returns a copy of the activity log.
func (m *Machine) Activities() []Activity { return m.log.snapshot() }
