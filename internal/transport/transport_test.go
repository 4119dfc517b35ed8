package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/session"
	"github.com/peerlink/peerlink/internal/testutil/matchserver"
)

// recordServer accepts the channel and records every received frame in
// order. With drop set it closes each connection right after the
// upgrade; refuse rejects the handshake outright; stall accepts the
// upgrade but never reads until released.
type recordServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	drop   atomic.Bool
	refuse atomic.Bool
	stall  atomic.Bool
	dials  atomic.Int64

	stallGate chan struct{}
	stallOnce sync.Once

	mu     sync.Mutex
	frames []string
}

func newRecordServer(t *testing.T) *recordServer {
	t.Helper()
	rs := &recordServer{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		stallGate: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/init", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"session_id":"s","token":"t"}`)
	})
	mux.HandleFunc("/ws/match/", func(w http.ResponseWriter, r *http.Request) {
		rs.dials.Add(1)
		if rs.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := rs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if rs.drop.Load() {
			_ = conn.Close()
			return
		}
		if rs.stall.Load() {
			<-rs.stallGate
			_ = conn.Close()
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rs.mu.Lock()
			rs.frames = append(rs.frames, string(data))
			rs.mu.Unlock()
		}
	})
	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	t.Cleanup(rs.releaseStalled)
	return rs
}

// releaseStalled unblocks stalled handlers so the server can shut down.
func (rs *recordServer) releaseStalled() {
	rs.stallOnce.Do(func() { close(rs.stallGate) })
}

func (rs *recordServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http") + "/ws/match/"
}

func (rs *recordServer) received() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.frames...)
}

// eventRecorder collects transport events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) collect(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) waitKind(t *testing.T, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := r.find(kind); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %d", kind)
	return Event{}
}

func neverIdle() bool { return false }

func TestSendQueuesUntilOpenFIFO(t *testing.T) {
	rs := newRecordServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	tr := New(ctx, rs.wsURL(), session.NewTokenSource(rs.srv.URL, "en"), domain.RegionGlobal, rec.collect, neverIdle)

	// Queued while disconnected; must arrive in this order.
	for _, f := range []string{"first", "second", "third"} {
		if err := tr.Send([]byte(f)); err != nil {
			t.Fatalf("send %s: %v", f, err)
		}
	}
	tr.Connect()
	rec.waitKind(t, EventOpen, 5*time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rs.received()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := rs.received()
	if len(got) != 3 || got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("frames out of order: %v", got)
	}

	if !tr.Open() {
		t.Fatal("transport must report open")
	}
	tr.Close(ReasonCancel)
}

func TestCloseReasonSuppressesRetry(t *testing.T) {
	rs := newRecordServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	tr := New(ctx, rs.wsURL(), session.NewTokenSource(rs.srv.URL, "en"), domain.RegionGlobal, rec.collect, neverIdle)
	tr.Connect()
	rec.waitKind(t, EventOpen, 5*time.Second)

	tr.Close(ReasonCancel)
	closed := rec.waitKind(t, EventClosed, 5*time.Second)
	if closed.Reason != ReasonCancel {
		t.Fatalf("close reason = %q, want cancel", closed.Reason)
	}
	if closed.Terminal {
		t.Fatal("an intentional close is not terminal")
	}

	time.Sleep(1300 * time.Millisecond)
	if got := rs.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, an intentional close must not retry", got)
	}
}

func TestUnexpectedCloseRetriesOnce(t *testing.T) {
	rs := newRecordServer(t)
	rs.drop.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	tr := New(ctx, rs.wsURL(), session.NewTokenSource(rs.srv.URL, "en"), domain.RegionGlobal, rec.collect, neverIdle)
	tr.Connect()

	// The server drops every connection; the fixed-delay retry must
	// produce a second dial.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && rs.dials.Load() < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if got := rs.dials.Load(); got < 2 {
		t.Fatalf("dials = %d, want a retry", got)
	}
	tr.CancelRetry()
}

func TestPendingSurvivesFailedDial(t *testing.T) {
	rs := newRecordServer(t)
	rs.refuse.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	tr := New(ctx, rs.wsURL(), session.NewTokenSource(rs.srv.URL, "en"), domain.RegionGlobal, rec.collect, neverIdle)

	frame := `{"type":"find","mode":"random"}`
	if err := tr.Send([]byte(frame)); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.Connect()
	rec.waitKind(t, EventError, 5*time.Second)

	// The channel never opened; the retry must still carry the frame.
	rs.refuse.Store(false)
	rec.waitKind(t, EventOpen, 5*time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(rs.received()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	got := rs.received()
	if len(got) != 1 || got[0] != frame {
		t.Fatalf("queued frame lost across the failed dial: %v", got)
	}
	if rs.dials.Load() < 2 {
		t.Fatalf("dials = %d, want the failed attempt plus the retry", rs.dials.Load())
	}
	tr.Close(ReasonCancel)
}

func TestCloseDuringOpenHandshakeReleasesPumps(t *testing.T) {
	rs := newRecordServer(t)
	rs.stall.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := session.NewTokenSource(rs.srv.URL, "en")
	if _, err := tokens.Get(ctx, domain.RegionGlobal); err != nil {
		t.Fatalf("token: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	// Enough queued bytes that the stalled server wedges the write pump
	// mid-drain, holding the dial in the connecting state.
	frame := bytes.Repeat([]byte("x"), 64<<10)
	for i := 0; i < 5; i++ {
		rec := &eventRecorder{}
		tr := New(ctx, rs.wsURL(), tokens, domain.RegionGlobal, rec.collect, neverIdle)
		for j := 0; j < 256; j++ {
			_ = tr.Send(frame)
		}
		tr.Connect()

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			tr.mu.Lock()
			attached := tr.conn != nil && tr.state == stateConnecting
			tr.mu.Unlock()
			if attached {
				break
			}
			time.Sleep(time.Millisecond)
		}

		// Close lands after the dial attached the connection but before
		// the channel ever opened; the pumps must still wind down.
		tr.Close(ReasonCancel)
		tr.CancelRetry()
	}

	rs.releaseStalled()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline+3 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("goroutines did not settle: baseline %d, now %d", baseline, runtime.NumGoroutine())
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	ms := matchserver.New()
	defer ms.Close()
	ms.RejectAuth.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := session.NewTokenSource(ms.APIURL(), "en")
	tok1, err := tokens.Get(ctx, domain.RegionGlobal)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	rec := &eventRecorder{}
	tr := New(ctx, ms.MatchURL(), tokens, domain.RegionGlobal, rec.collect, neverIdle)
	tr.Connect()

	closed := rec.waitKind(t, EventClosed, 5*time.Second)
	if !closed.Terminal {
		t.Fatalf("close code %d must be terminal", closed.Code)
	}
	if closed.Code != CloseCodeAuthFailed {
		t.Fatalf("close code = %d, want %d", closed.Code, CloseCodeAuthFailed)
	}

	time.Sleep(1300 * time.Millisecond)
	if got := ms.Dials.Load(); got != 1 {
		t.Fatalf("dials = %d, a terminal close must not retry", got)
	}

	// The rejected token was dropped from the cache.
	tok2, err := tokens.Get(ctx, domain.RegionGlobal)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok1 == tok2 {
		t.Fatal("rejected token must be re-issued")
	}
}
