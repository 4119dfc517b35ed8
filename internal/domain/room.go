package domain

type (
	RoomID string
	Region string
)

// RegionGlobal is the region used when the user does not pick one.
const RegionGlobal Region = "GLOBAL"

// Room is the assignment received in a matched message. At most one room
// is active per transport instance.
type Room struct {
	ID         RoomID
	PeerRegion Region
}
