// Package rtc holds the peer-connection wrapper and the negotiation
// engine that turns the inbound signal stream into one media session.
package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/media"
)

// Peer wraps a pion PeerConnection with exactly two transceivers, one
// audio and one video, created up front and kept for the lifetime of a
// session. Local tracks are attached only by replacing each
// transceiver's outgoing track, never by adding send paths; extra media
// lines are what black out the remote view on some platforms.
type Peer struct {
	pc    *webrtc.PeerConnection
	audio *webrtc.RTPTransceiver
	video *webrtc.RTPTransceiver
}

func NewPeer(cfg webrtc.Configuration) (*Peer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	// Loopback candidates let two clients on the same host reach each
	// other without a STUN round trip.
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	init := []webrtc.RTPTransceiverInit{{Direction: webrtc.RTPTransceiverDirectionSendrecv}}
	audio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init...)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("audio transceiver: %w", err)
	}
	video, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init...)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("video transceiver: %w", err)
	}

	return &Peer{pc: pc, audio: audio, video: video}, nil
}

// AttachLocal replaces the outgoing track of each transceiver with the
// captured local tracks.
func (p *Peer) AttachLocal(lm *media.LocalMedia) error {
	if err := p.audio.Sender().ReplaceTrack(lm.Audio); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	if err := p.video.Sender().ReplaceTrack(lm.Video); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// OnICECandidate registers the trickle handler. A nil candidate marks
// end of gathering and is filtered out.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

// CreateOffer builds and installs the local offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer builds and installs the local answer to an applied offer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// HasRemoteDescription reports whether candidates can be applied yet.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// TransceiverCount reports the number of media slots on the connection.
// It is two for the lifetime of a session.
func (p *Peer) TransceiverCount() int {
	return len(p.pc.GetTransceivers())
}

func (p *Peer) Close() {
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("peer close")
	}
}
