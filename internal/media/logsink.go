package media

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// LogSink is a headless presentation target: it records what would be
// rendered. The terminal client has no video surface; real hosts supply
// their own Sink.
type LogSink struct {
	Name     string
	detached atomic.Bool
}

func (s *LogSink) Bind(stream Stream) error {
	log.Info().Str("module", "media").Str("sink", s.Name).
		Strs("tracks", stream.IDs()).Msg("stream bound")
	return nil
}

func (s *LogSink) Play() error {
	return nil
}

func (s *LogSink) Attached() bool {
	return !s.detached.Load()
}

// Detach marks the sink unmounted; playback retries abort.
func (s *LogSink) Detach() {
	s.detached.Store(true)
}
