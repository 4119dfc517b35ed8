package rtc

import "github.com/peerlink/peerlink/internal/domain"

// Role is the side this client plays in the offer/answer exchange.
type Role string

const (
	RoleUnknown Role = ""
	RoleCaller  Role = "caller"
	RoleCallee  Role = "callee"
)

// ElectCaller decides which side initiates the offer. It is pure,
// deterministic and symmetric: both peers compute roomID+clientID
// composites and the lexicographically smaller composite calls. Swapping
// the two ids flips the result; re-running it is idempotent.
func ElectCaller(roomID domain.RoomID, local, peer domain.ClientID) Role {
	if peer == "" {
		return RoleUnknown
	}
	if string(roomID)+string(local) < string(roomID)+string(peer) {
		return RoleCaller
	}
	return RoleCallee
}
