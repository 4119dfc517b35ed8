package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/media"
	"github.com/peerlink/peerlink/internal/signal"
)

// State is the negotiation engine state.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateWaitingPeer State = "waiting_peer"
	StateCalling     State = "calling"
	StateConnected   State = "connected"
	StateError       State = "error"
)

// Relay carries signals to the peer through the matchmaking channel.
type Relay interface {
	SendSignal(sig domain.SignalMessage)
}

// sessionContext is the full mutable state of one negotiation attempt.
// Exactly one exists per room; starting a new one always fully tears
// down the previous one first. All handles live here so every async
// continuation can verify the session is still current before acting.
type sessionContext struct {
	room     domain.Room
	clientID domain.ClientID

	local *media.LocalMedia
	peer  *Peer

	peerID          domain.ClientID
	role            Role
	negotiated      bool
	lastFingerprint string
	pendingICE      []webrtc.ICECandidateInit
}

// Engine consumes the signal mailbox under a single-flight drain
// discipline and owns capture, the peer connection, caller election and
// track binding for one session at a time.
type Engine struct {
	ctx    context.Context
	cfg    webrtc.Configuration
	source media.Source
	binder *media.Binder
	// localSink receives the captured stream eagerly; nil when the host
	// has no local preview.
	localSink media.Sink
	mailbox   *signal.Mailbox
	relay     Relay
	// negotiationTimeout bounds a stalled calling/waiting_peer state.
	// Zero keeps the historical behavior: no deadline, stalls surface
	// only through diagnostics.
	negotiationTimeout time.Duration

	mu     sync.Mutex
	state  State
	reason string
	sess   *sessionContext
	// gen invalidates in-flight async continuations: bumped on every
	// activation and teardown, checked before any continuation mutates
	// shared state.
	gen uint64

	drain *signal.Runner
}

func NewEngine(ctx context.Context, cfg webrtc.Configuration, source media.Source, localSink media.Sink, binder *media.Binder, mailbox *signal.Mailbox, relay Relay, negotiationTimeout time.Duration) *Engine {
	e := &Engine{
		ctx:                ctx,
		cfg:                cfg,
		source:             source,
		localSink:          localSink,
		binder:             binder,
		mailbox:            mailbox,
		relay:              relay,
		negotiationTimeout: negotiationTimeout,
		state:              StateIdle,
	}
	e.drain = signal.NewRunner(e.drainOnce)
	go e.watchMailbox()
	return e
}

func (e *Engine) watchMailbox() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.mailbox.Wake():
			e.drain.Trigger()
		}
	}
}

// Activate starts a negotiation session for a room that just became
// active. Any previous session is fully torn down first.
func (e *Engine) Activate(room domain.Room) {
	e.cleanup(false)

	e.mu.Lock()
	e.gen++
	gen := e.gen
	sess := &sessionContext{room: room, clientID: domain.NewClientID()}
	e.sess = sess
	e.state = StateStarting
	e.reason = ""
	e.mu.Unlock()

	log.Info().Str("module", "rtc").Str("room", string(room.ID)).
		Str("client_id", string(sess.clientID)).Msg("session starting")
	go e.start(gen, sess)
}

func (e *Engine) start(gen uint64, sess *sessionContext) {
	lm, err := e.source.Acquire(e.ctx)
	if err != nil {
		e.fail(gen, captureReason(err))
		return
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		lm.Close()
		return
	}
	sess.local = lm
	e.mu.Unlock()

	// Local media binds eagerly and unconditionally.
	if e.localSink != nil {
		if err := e.localSink.Bind(lm.Stream()); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("bind local stream")
		} else {
			_ = e.localSink.Play()
		}
	}

	peer, err := NewPeer(e.cfg)
	if err != nil {
		lm.Close()
		e.fail(gen, "peer connection: "+err.Error())
		return
	}
	if err := peer.AttachLocal(lm); err != nil {
		peer.Close()
		lm.Close()
		e.fail(gen, err.Error())
		return
	}

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !e.current(gen) {
			return
		}
		e.relay.SendSignal(domain.SignalMessage{
			Kind:      domain.SignalICE,
			ClientID:  sess.clientID,
			Candidate: &ci,
		})
	})
	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !e.current(gen) {
			return
		}
		log.Info().Str("module", "rtc").Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).Str("stream_id", track.StreamID()).Msg("remote track")
		e.binder.AddTrack(media.Track{ID: track.ID(), Kind: track.Kind(), Remote: track})
		go e.consumeTrack(gen, track)
	})
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			e.promote(gen)
		case webrtc.PeerConnectionStateFailed:
			e.fail(gen, "peer connection failed")
		}
	})
	peer.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.promote(gen)
		case webrtc.ICEConnectionStateFailed:
			e.fail(gen, "ICE failed")
		}
	})

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		peer.Close()
		lm.Close()
		return
	}
	sess.peer = peer
	e.mu.Unlock()

	e.relay.SendSignal(domain.SignalMessage{Kind: domain.SignalHello, ClientID: sess.clientID})

	// The peer connection is ready: drain whatever arrived while the
	// activation was in flight.
	e.drain.Trigger()
}

// consumeTrack reads the remote track until it ends, keeping the
// binder's liveness view current.
func (e *Engine) consumeTrack(gen uint64, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			break
		}
	}
	if e.current(gen) {
		e.binder.MarkEnded(track.ID())
	}
}

// drainOnce is the single-flight drain body. It defers without consuming
// the queue while no peer connection exists yet.
func (e *Engine) drainOnce() {
	for {
		e.mu.Lock()
		sess := e.sess
		if sess == nil || sess.peer == nil {
			e.mu.Unlock()
			return
		}
		gen := e.gen
		e.mu.Unlock()

		msg, ok := e.mailbox.Pop()
		if !ok {
			return
		}

		e.dispatch(gen, sess, msg)

		// A hangup (or concurrent teardown) invalidated the session
		// mid-drain; leave the rest of the queue to be cleared.
		if !e.current(gen) {
			return
		}
	}
}

func (e *Engine) dispatch(gen uint64, sess *sessionContext, msg domain.SignalMessage) {
	// Self-originated echo: the relay broadcasts to the whole room,
	// including us.
	if msg.ClientID != "" && msg.ClientID == sess.clientID {
		return
	}

	fp := msg.Fingerprint()
	e.mu.Lock()
	if fp == sess.lastFingerprint {
		// Exact duplicate of the immediately preceding processed
		// message; idempotent no-op.
		e.mu.Unlock()
		return
	}
	sess.lastFingerprint = fp
	if msg.ClientID != "" {
		sess.peerID = msg.ClientID
	}
	e.mu.Unlock()

	var err error
	switch msg.Kind {
	case domain.SignalHello:
		err = e.maybeNegotiate(gen, sess)
	case domain.SignalOffer:
		err = e.handleOffer(gen, sess, msg)
	case domain.SignalAnswer:
		err = e.handleAnswer(gen, sess, msg)
	case domain.SignalICE:
		e.handleICE(sess, msg)
	case domain.SignalHangup:
		log.Info().Str("module", "rtc").Msg("peer hung up")
		e.cleanup(false)
	default:
		log.Warn().Str("module", "rtc").Str("kind", string(msg.Kind)).Msg("unknown signal")
	}
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("kind", string(msg.Kind)).Msg("signal dispatch")
		e.fail(gen, err.Error())
	}
}

// maybeNegotiate runs caller election and starts the exchange. No-op once
// negotiated; an undetermined role is resolved by re-running the
// election, which is idempotent.
func (e *Engine) maybeNegotiate(gen uint64, sess *sessionContext) error {
	e.mu.Lock()
	if sess.negotiated {
		e.mu.Unlock()
		return nil
	}
	role := ElectCaller(sess.room.ID, sess.clientID, sess.peerID)
	sess.role = role
	alreadyCalling := e.state == StateCalling
	e.mu.Unlock()

	switch role {
	case RoleCallee:
		e.transition(gen, StateStarting, StateWaitingPeer)
		e.armTimeout(gen)
	case RoleCaller:
		if alreadyCalling {
			return nil
		}
		offer, err := sess.peer.CreateOffer()
		if err != nil {
			return err
		}
		if !e.current(gen) {
			return nil
		}
		e.setState(gen, StateCalling)
		e.relay.SendSignal(domain.SignalMessage{
			Kind:     domain.SignalOffer,
			ClientID: sess.clientID,
			SDP:      &offer,
		})
		e.armTimeout(gen)
	}
	return nil
}

func (e *Engine) handleOffer(gen uint64, sess *sessionContext, msg domain.SignalMessage) error {
	if msg.SDP == nil {
		return nil
	}
	if sess.peer.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Glare: the side with an outstanding local offer wins; the
		// incoming offer is dropped and no error is raised.
		log.Info().Str("module", "rtc").Msg("glare: dropping remote offer")
		return nil
	}
	if err := sess.peer.SetRemoteDescription(*msg.SDP); err != nil {
		return err
	}
	e.flushPendingICE(sess)
	answer, err := sess.peer.CreateAnswer()
	if err != nil {
		return err
	}
	if !e.current(gen) {
		return nil
	}
	e.mu.Lock()
	sess.negotiated = true
	e.mu.Unlock()
	e.relay.SendSignal(domain.SignalMessage{
		Kind:     domain.SignalAnswer,
		ClientID: sess.clientID,
		SDP:      &answer,
	})
	return nil
}

func (e *Engine) handleAnswer(gen uint64, sess *sessionContext, msg domain.SignalMessage) error {
	if msg.SDP == nil {
		return nil
	}
	if sess.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// No outstanding local offer; a stray answer is ignored.
		log.Info().Str("module", "rtc").Msg("ignoring answer without local offer")
		return nil
	}
	if err := sess.peer.SetRemoteDescription(*msg.SDP); err != nil {
		return err
	}
	e.flushPendingICE(sess)
	e.mu.Lock()
	sess.negotiated = true
	e.mu.Unlock()
	e.setState(gen, StateConnected)
	return nil
}

// handleICE buffers candidates that arrive before a remote description
// exists and applies the rest immediately. Individual application
// failures are swallowed: one bad candidate must not abort the session.
func (e *Engine) handleICE(sess *sessionContext, msg domain.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	e.mu.Lock()
	if !sess.peer.HasRemoteDescription() {
		sess.pendingICE = append(sess.pendingICE, *msg.Candidate)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	if err := sess.peer.AddICECandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("add ICE candidate")
	}
}

// flushPendingICE applies buffered candidates in original arrival order.
func (e *Engine) flushPendingICE(sess *sessionContext) {
	e.mu.Lock()
	pending := sess.pendingICE
	sess.pendingICE = nil
	e.mu.Unlock()
	for _, ci := range pending {
		if err := sess.peer.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("flush ICE candidate")
		}
	}
}

// Cleanup tears the session down. Idempotent, safe from any state; when
// announce is set a hangup is relayed first.
func (e *Engine) Cleanup(announce bool) {
	e.cleanup(announce)
}

func (e *Engine) cleanup(announce bool) {
	e.mu.Lock()
	sess := e.sess
	e.gen++
	e.sess = nil
	e.state = StateIdle
	e.reason = ""
	e.mu.Unlock()

	if sess == nil {
		return
	}

	if announce {
		e.relay.SendSignal(domain.SignalMessage{Kind: domain.SignalHangup, ClientID: sess.clientID})
	}
	if sess.peer != nil {
		sess.peer.Close()
	}
	if sess.local != nil {
		sess.local.Close()
	}
	e.binder.Reset()
	// Signals left in the queue belong to the defunct session.
	e.mailbox.Clear()
	log.Info().Str("module", "rtc").Msg("session torn down")
}

// Reconnect is the user-triggered hangup-and-restart, distinct from the
// transport's automatic reconnect.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	var room *domain.Room
	if e.sess != nil {
		r := e.sess.room
		room = &r
	}
	e.mu.Unlock()

	e.cleanup(true)
	if room != nil {
		e.Activate(*room)
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

func (e *Engine) setState(gen uint64, s State) {
	e.mu.Lock()
	if e.gen == gen {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) transition(gen uint64, from, to State) {
	e.mu.Lock()
	if e.gen == gen && e.state == from {
		e.state = to
	}
	e.mu.Unlock()
}

// promote moves to connected on connectivity, unless the session already
// ended or failed.
func (e *Engine) promote(gen uint64) {
	e.mu.Lock()
	if e.gen == gen && e.state != StateIdle && e.state != StateError {
		e.state = StateConnected
	}
	e.mu.Unlock()
}

func (e *Engine) fail(gen uint64, reason string) {
	e.mu.Lock()
	if e.gen == gen {
		e.state = StateError
		e.reason = reason
	}
	e.mu.Unlock()
	log.Error().Str("module", "rtc").Str("reason", reason).Msg("session error")
}

func (e *Engine) armTimeout(gen uint64) {
	if e.negotiationTimeout <= 0 {
		return
	}
	time.AfterFunc(e.negotiationTimeout, func() {
		e.mu.Lock()
		stalled := e.gen == gen && (e.state == StateCalling || e.state == StateWaitingPeer)
		if stalled {
			e.state = StateError
			e.reason = "negotiation timed out"
		}
		e.mu.Unlock()
	})
}

func captureReason(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "camera/microphone permission denied"
	case errors.Is(err, media.ErrNoDevice):
		return "no camera or microphone found"
	case errors.Is(err, media.ErrInsecureContext):
		return "capture requires a secure context"
	default:
		return "media capture failed: " + err.Error()
	}
}

// Snapshot is the diagnostics view of the engine.
type Snapshot struct {
	State          State           `json:"state"`
	Reason         string          `json:"reason,omitempty"`
	Role           Role            `json:"role,omitempty"`
	ClientID       domain.ClientID `json:"client_id,omitempty"`
	PeerID         domain.ClientID `json:"peer_id,omitempty"`
	RoomID         domain.RoomID   `json:"room_id,omitempty"`
	Negotiated     bool            `json:"negotiated"`
	PendingICE     int             `json:"pending_ice"`
	Transceivers   int             `json:"transceivers"`
	MailboxVersion uint64          `json:"mailbox_version"`
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current diagnostics view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		State:          e.state,
		Reason:         e.reason,
		MailboxVersion: e.mailbox.Version(),
	}
	if e.sess != nil {
		snap.Role = e.sess.role
		snap.ClientID = e.sess.clientID
		snap.PeerID = e.sess.peerID
		snap.RoomID = e.sess.room.ID
		snap.Negotiated = e.sess.negotiated
		snap.PendingICE = len(e.sess.pendingICE)
		if e.sess.peer != nil {
			snap.Transceivers = e.sess.peer.TransceiverCount()
		}
	}
	return snap
}
