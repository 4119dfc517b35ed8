package domain

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ClientID identifies one side of a negotiation session. Ids are opaque,
// generated locally per session, and carry no stable identity.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// SignalKind tags the variants of the negotiation signal union.
type SignalKind string

const (
	SignalHello  SignalKind = "hello"
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
	SignalHangup SignalKind = "hangup"
)

// chatSignalKind marks a chat payload as a relayed negotiation signal
// rather than a chat line. Older clients double-wrapped signals in this
// envelope, so Unwrap has to peel it recursively.
const chatSignalKind = "rtc_signal"

// SignalMessage is one negotiation signal relayed through the matchmaking
// channel. Offer and answer carry a session description, ice carries a
// candidate fragment, hello and hangup carry only the client id.
type SignalMessage struct {
	Kind      SignalKind                 `json:"kind"`
	ClientID  ClientID                   `json:"clientId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Fingerprint returns the serialized form used for exact-duplicate
// detection. Dedup compares against the previous processed message only.
func (m SignalMessage) Fingerprint() string {
	b, err := json.Marshal(m)
	if err != nil {
		return string(m.Kind) + ":" + string(m.ClientID)
	}
	return string(b)
}

// signalEnvelope is the chat payload shape carrying a relayed signal.
type signalEnvelope struct {
	Kind   string          `json:"kind"`
	Signal json.RawMessage `json:"signal"`
}

// WrapSignal encodes a signal as the chat-message payload understood by
// the matchmaking server's relay.
func WrapSignal(m SignalMessage) (json.RawMessage, error) {
	sig, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signalEnvelope{Kind: chatSignalKind, Signal: sig})
}

// UnwrapSignal inspects a chat payload. It returns the embedded signal if
// the payload is a relay envelope, peeling legacy double-wrapped
// envelopes, or (nil, text) for an ordinary chat line.
func UnwrapSignal(raw json.RawMessage) (*SignalMessage, string) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return nil, text
	}

	inner := raw
	for {
		var env signalEnvelope
		if err := json.Unmarshal(inner, &env); err != nil || env.Kind != chatSignalKind {
			break
		}
		inner = env.Signal
	}
	if len(inner) == 0 {
		return nil, ""
	}

	var m SignalMessage
	if err := json.Unmarshal(inner, &m); err != nil || m.Kind == "" {
		return nil, string(raw)
	}
	return &m, ""
}
