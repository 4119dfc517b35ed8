// Package media owns local capture and the remote stream binder: the
// selection of a canonical single-audio, single-video render set out of
// whatever the peer connection delivers.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Capture failure taxonomy. Activation surfaces each with a distinct
// user-facing reason and does not retry on its own.
var (
	ErrPermissionDenied = errors.New("media capture permission denied")
	ErrNoDevice         = errors.New("no capture device available")
	ErrInsecureContext  = errors.New("capture requires a secure context")
)

// LocalMedia is the locally captured pair of tracks. Exactly one audio
// and one video track exist for the lifetime of a negotiation session.
type LocalMedia struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
}

// Close stops the capture writers. Idempotent.
func (l *LocalMedia) Close() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Stream returns the local tracks as a bindable stream.
func (l *LocalMedia) Stream() Stream {
	return Stream{Tracks: []Track{
		{ID: l.Audio.ID(), Kind: webrtc.RTPCodecTypeAudio, Live: true, Local: l.Audio},
		{ID: l.Video.ID(), Kind: webrtc.RTPCodecTypeVideo, Live: true, Local: l.Video},
	}}
}

// Source acquires local media. Implementations fail fast with the
// taxonomy errors above when capture is unavailable.
type Source interface {
	Acquire(ctx context.Context) (*LocalMedia, error)
}

// SyntheticSource produces silence and a static test pattern. It stands
// in where no capture hardware is available and carries the suite's
// negotiation tests.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peerlink")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peerlink")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	lm := &LocalMedia{Audio: audio, Video: video, cancel: cancel}
	go writeSilence(ctx, audio)
	go writePattern(ctx, video)
	return lm, nil
}

// writeSilence emits empty opus frames at a 20ms cadence. WriteSample is
// a no-op until the track is bound to a sender.
func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	frame := []byte{0xf8, 0xff, 0xfe}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
		}
	}
}

func writePattern(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	frame := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: frame, Duration: 33 * time.Millisecond})
		}
	}
}

// FailingSource always fails with a fixed reason. Used to exercise the
// activation error paths.
type FailingSource struct {
	Err error
}

func (s FailingSource) Acquire(context.Context) (*LocalMedia, error) {
	return nil, s.Err
}
