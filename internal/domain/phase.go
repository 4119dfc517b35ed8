// Package domain contains entities without logic, just meta-data shared
// between the transport, matchmaking and negotiation layers.
package domain

// Phase is the matchmaking connection phase. It has a single writer: the
// matchmaking state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseQueued     Phase = "queued"
	PhaseInRoom     Phase = "in_room"
)

// Active reports whether a find request would be rejected in this phase.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseQueued || p == PhaseInRoom
}
