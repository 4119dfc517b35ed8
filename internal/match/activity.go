package match

import (
	"sync"
	"time"
)

// activityCap bounds the activity log; oldest entries are dropped first.
const activityCap = 256

// Activity is one append-only observability entry. The log has no
// behavioral effect on the state machine.
type Activity struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

type activityLog struct {
	mu      sync.Mutex
	entries []Activity
}

func (l *activityLog) add(event, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Activity{At: time.Now(), Event: event, Detail: detail})
	if len(l.entries) > activityCap {
		l.entries = l.entries[len(l.entries)-activityCap:]
	}
}

func (l *activityLog) snapshot() []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Activity, len(l.entries))
	copy(out, l.entries)
	return out
}
