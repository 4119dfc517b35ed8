package match

import (
	"sync"

	"github.com/peerlink/peerlink/internal/domain"
)

// snapshot mirrors loop-owned state for cross-goroutine readers (the
// transport's idle probe, the diagnostics surface, the CLI). The loop is
// the only writer.
type snapshot struct {
	mu    sync.RWMutex
	phase domain.Phase
	room  *domain.Room
}

func (s *snapshot) setPhase(p domain.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *snapshot) setRoom(room *domain.Room) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

func (s *snapshot) Phase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *snapshot) Room() *domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil {
		return nil
	}
	room := *s.room
	return &room
}
