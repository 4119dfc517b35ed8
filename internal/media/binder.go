package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is one bindable media track, local or remote.
type Track struct {
	ID   string
	Kind webrtc.RTPCodecType
	// Live reports whether the track is still delivering data. Selection
	// prefers live tracks over the first available.
	Live bool

	Remote *webrtc.TrackRemote
	Local  webrtc.TrackLocal
}

// Stream is the set of tracks bound to a presentation target.
type Stream struct {
	Tracks []Track
}

// IDs returns the track identities in order.
func (s Stream) IDs() []string {
	ids := make([]string, len(s.Tracks))
	for i, t := range s.Tracks {
		ids[i] = t.ID
	}
	return ids
}

// Sink is a presentation target. Binding replaces the target's stream
// wholesale; Play asserts playback and may fail until data flows.
type Sink interface {
	Bind(stream Stream) error
	Play() error
	// Attached reports whether the target is still mounted. Playback
	// retries abort once it detaches.
	Attached() bool
}

// playbackRetrySchedule: immediate, then short increasing delays. Some
// targets reject playback until a track starts delivering data.
var playbackRetrySchedule = []time.Duration{
	0,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

// SelectRenderSet picks at most one video and one audio track from the
// aggregate, preferring a live track of each kind over the first seen.
func SelectRenderSet(tracks []Track) []Track {
	var audio, video *Track
	for i := range tracks {
		t := &tracks[i]
		switch t.Kind {
		case webrtc.RTPCodecTypeAudio:
			if audio == nil || (!audio.Live && t.Live) {
				audio = t
			}
		case webrtc.RTPCodecTypeVideo:
			if video == nil || (!video.Live && t.Live) {
				video = t
			}
		}
	}
	out := make([]Track, 0, 2)
	if video != nil {
		out = append(out, *video)
	}
	if audio != nil {
		out = append(out, *audio)
	}
	return out
}

// Binder republishes the canonical remote render set to a presentation
// target. Rendering is two-phase: "data available" and "target attached"
// are independent signals, and a bind happens only once both have fired,
// re-evaluated on either.
type Binder struct {
	mu        sync.Mutex
	sink      Sink
	aggregate []Track
	boundIDs  []string
	playGen   uint64
}

func NewBinder() *Binder {
	return &Binder{}
}

// AddTrack merges an inbound track into the aggregate, deduplicating by
// identity so repeated delivery of the same track is a no-op.
func (b *Binder) AddTrack(track Track) {
	track.Live = true
	b.mu.Lock()
	for i := range b.aggregate {
		if b.aggregate[i].ID == track.ID {
			b.aggregate[i].Live = true
			b.mu.Unlock()
			b.rebind()
			return
		}
	}
	b.aggregate = append(b.aggregate, track)
	b.mu.Unlock()
	b.rebind()
}

// MarkEnded records that a track stopped delivering data.
func (b *Binder) MarkEnded(id string) {
	b.mu.Lock()
	for i := range b.aggregate {
		if b.aggregate[i].ID == id {
			b.aggregate[i].Live = false
		}
	}
	b.mu.Unlock()
	b.rebind()
}

// AttachSink mounts the presentation target. The inbound track event can
// fire before the host attaches its target; this is the synchronization
// point that releases any bind owed from that window.
func (b *Binder) AttachSink(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	b.boundIDs = nil
	b.mu.Unlock()
	b.rebind()
}

// DetachSink unmounts the target and aborts pending playback retries.
func (b *Binder) DetachSink() {
	b.mu.Lock()
	b.sink = nil
	b.boundIDs = nil
	b.playGen++
	b.mu.Unlock()
}

// Reset drops the aggregate and bound state. Used on session teardown.
func (b *Binder) Reset() {
	b.mu.Lock()
	b.aggregate = nil
	b.boundIDs = nil
	b.playGen++
	b.mu.Unlock()
}

// BoundIDs returns the identities of the currently bound render set.
func (b *Binder) BoundIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.boundIDs))
	copy(out, b.boundIDs)
	return out
}

func (b *Binder) rebind() {
	b.mu.Lock()
	sink := b.sink
	if sink == nil || len(b.aggregate) == 0 {
		b.mu.Unlock()
		return
	}
	set := SelectRenderSet(b.aggregate)
	stream := Stream{Tracks: set}
	ids := stream.IDs()

	if sameIDs(ids, b.boundIDs) {
		// Identical render set: skip the replace to avoid a visible
		// flicker, but still assert playback.
		gen := b.playGen
		b.mu.Unlock()
		go b.assertPlayback(sink, gen)
		return
	}

	b.boundIDs = ids
	b.playGen++
	gen := b.playGen
	b.mu.Unlock()

	if err := sink.Bind(stream); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("bind remote stream")
		return
	}
	log.Info().Str("module", "media").Strs("tracks", ids).Msg("remote stream bound")
	go b.assertPlayback(sink, gen)
}

// assertPlayback retries Play on the backoff schedule, aborting early
// when the target detaches or the bound stream changes underneath it.
func (b *Binder) assertPlayback(sink Sink, gen uint64) {
	for _, delay := range playbackRetrySchedule {
		if delay > 0 {
			time.Sleep(delay)
		}
		b.mu.Lock()
		stale := b.playGen != gen || b.sink != sink
		b.mu.Unlock()
		if stale || !sink.Attached() {
			return
		}
		if err := sink.Play(); err == nil {
			return
		}
	}
	log.Warn().Str("module", "media").Msg("playback retries exhausted")
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
