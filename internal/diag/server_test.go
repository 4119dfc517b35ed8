package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/match"
	"github.com/peerlink/peerlink/internal/media"
	"github.com/peerlink/peerlink/internal/rtc"
	"github.com/peerlink/peerlink/internal/session"
	"github.com/peerlink/peerlink/internal/signal"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mailbox := signal.NewMailbox()
	machine := match.New(ctx, "ws://127.0.0.1:1/ws/match/",
		session.NewTokenSource("http://127.0.0.1:1", "en"),
		domain.RegionGlobal, mailbox, match.Callbacks{})
	engine := rtc.NewEngine(ctx, webrtc.Configuration{}, media.SyntheticSource{}, nil,
		media.NewBinder(), mailbox, machine, 0)

	return SetupRouter("release", machine, engine)
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := newRouter(t)
	w := get(t, router, "/api/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStateReportsIdle(t *testing.T) {
	router := newRouter(t)
	w := get(t, router, "/api/state")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"phase":"idle"`) {
		t.Fatalf("missing idle phase: %s", body)
	}
	if !strings.Contains(body, `"state":"idle"`) {
		t.Fatalf("missing idle engine state: %s", body)
	}
}

func TestActivityEmpty(t *testing.T) {
	router := newRouter(t)
	w := get(t, router, "/api/activity")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "activity") {
		t.Fatalf("body = %s", w.Body.String())
	}
}
