package rtc

import (
	"testing"

	"github.com/peerlink/peerlink/internal/domain"
)

func TestElectCaller(t *testing.T) {
	room := domain.RoomID("room-1")

	if got := ElectCaller(room, "aaa", "bbb"); got != RoleCaller {
		t.Fatalf("smaller id must call, got %q", got)
	}
	if got := ElectCaller(room, "bbb", "aaa"); got != RoleCallee {
		t.Fatalf("larger id must answer, got %q", got)
	}
}

func TestElectCallerUnknownPeer(t *testing.T) {
	if got := ElectCaller("room-1", "aaa", ""); got != RoleUnknown {
		t.Fatalf("role must stay unknown before the peer announces, got %q", got)
	}
}

func TestElectCallerSymmetricAndIdempotent(t *testing.T) {
	pairs := [][2]domain.ClientID{
		{"alpha", "beta"},
		{"9f2c", "0a1b"},
		{"x", "xy"},
	}
	for _, p := range pairs {
		room := domain.RoomID("r")
		a := ElectCaller(room, p[0], p[1])
		b := ElectCaller(room, p[1], p[0])
		if a == b {
			t.Fatalf("%v: both sides elected %q", p, a)
		}
		if (a == RoleCaller) == (b == RoleCaller) {
			t.Fatalf("%v: exactly one side must call (%q vs %q)", p, a, b)
		}
		for i := 0; i < 3; i++ {
			if ElectCaller(room, p[0], p[1]) != a {
				t.Fatalf("%v: election is not idempotent", p)
			}
		}
	}
}
