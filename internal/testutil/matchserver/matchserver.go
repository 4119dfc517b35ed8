// Package matchserver is an in-process stand-in for the matchmaking
// service, speaking its production wire protocol: token issuance over
// HTTP, then find/cancel/chat frames over a websocket, with chat frames
// relayed to every room member including the sender.
package matchserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CloseCodeAuthFailed mirrors the service's reserved close code for a
// rejected token.
const CloseCodeAuthFailed = 4401

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	region string
	room   string
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server holds the in-memory queues and rooms.
type Server struct {
	http     *httptest.Server
	upgrader websocket.Upgrader

	// RejectAuth makes every websocket connection fail with 4401.
	RejectAuth atomic.Bool

	// Dials counts websocket connection attempts.
	Dials atomic.Int64

	mu           sync.Mutex
	randomQueue  []*client
	regionQueues map[string][]*client
	rooms        map[string][]*client
}

func New() *Server {
	s := &Server{
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		regionQueues: make(map[string][]*client),
		rooms:        make(map[string][]*client),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/init", s.handleInit)
	mux.HandleFunc("/ws/match/", s.handleMatch)
	s.http = httptest.NewServer(mux)
	return s
}

func (s *Server) Close() {
	s.http.Close()
}

// APIURL is the base URL for token issuance.
func (s *Server) APIURL() string {
	return s.http.URL
}

// MatchURL is the websocket endpoint.
func (s *Server) MatchURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/match/"
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"session_id":%q,"token":%q}`, uuid.NewString(), "token-"+uuid.NewString())
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	s.Dials.Add(1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.RejectAuth.Load() || r.URL.Query().Get("token") == "" {
		msg := websocket.FormatCloseMessage(CloseCodeAuthFailed, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := &client{conn: conn}
	defer s.disconnect(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *client, data []byte) {
	var frame struct {
		Type    string          `json:"type"`
		Mode    string          `json:"mode"`
		Region  string          `json:"region"`
		RoomID  string          `json:"room_id"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.send(map[string]string{"error": "bad_json"})
		return
	}

	switch frame.Type {
	case "find":
		s.handleFind(c, frame.Mode, frame.Region)
	case "cancel":
		s.handleCancel(c)
	case "chat":
		s.handleChat(c, frame.RoomID, frame.Message)
	default:
		c.send(map[string]string{"error": "unknown_type"})
	}
}

func (s *Server) handleFind(c *client, mode, region string) {
	if mode != "random" && mode != "region" {
		c.send(map[string]string{"error": "invalid_mode"})
		return
	}
	if region == "" {
		region = "GLOBAL"
	}

	s.mu.Lock()
	c.region = region
	var queue []*client
	if mode == "random" {
		queue = s.randomQueue
	} else {
		queue = s.regionQueues[region]
	}

	var waiting *client
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if head == c {
			continue
		}
		waiting = head
		break
	}

	var roomID, waitingRegion string
	if waiting != nil {
		roomID = uuid.NewString()
		c.room = roomID
		waiting.room = roomID
		waitingRegion = waiting.region
		s.rooms[roomID] = []*client{waiting, c}
	} else {
		queue = append(queue, c)
	}
	if mode == "random" {
		s.randomQueue = queue
	} else {
		s.regionQueues[region] = queue
	}
	s.mu.Unlock()

	if waiting == nil {
		c.send(map[string]string{"type": "queued"})
		return
	}
	waiting.send(map[string]any{
		"type": "matched", "room_id": roomID,
		"peer": map[string]string{"region": region},
	})
	c.send(map[string]any{
		"type": "matched", "room_id": roomID,
		"peer": map[string]string{"region": waitingRegion},
	})
}

func (s *Server) handleCancel(c *client) {
	s.removeFromQueues(c)
	s.leaveRoom(c)
	c.send(map[string]string{"type": "cancelled"})
}

func (s *Server) handleChat(c *client, roomID string, message json.RawMessage) {
	if roomID == "" || len(message) == 0 {
		c.send(map[string]string{"error": "invalid_chat"})
		return
	}
	s.mu.Lock()
	if c.room != roomID {
		s.mu.Unlock()
		c.send(map[string]string{"error": "not_in_room"})
		return
	}
	members := append([]*client(nil), s.rooms[roomID]...)
	s.mu.Unlock()

	// Group broadcast includes the sender, exactly like the production
	// relay: clients are responsible for discarding their own echo.
	for _, member := range members {
		member.send(map[string]any{
			"type": "chat", "room_id": roomID, "message": message,
		})
	}
}

func (s *Server) disconnect(c *client) {
	s.removeFromQueues(c)
	s.leaveRoom(c)
	_ = c.conn.Close()
}

func (s *Server) removeFromQueues(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.randomQueue = without(s.randomQueue, c)
	for region, q := range s.regionQueues {
		s.regionQueues[region] = without(q, c)
	}
}

func (s *Server) leaveRoom(c *client) {
	s.mu.Lock()
	roomID := c.room
	if roomID == "" {
		s.mu.Unlock()
		return
	}
	c.room = ""
	members := without(s.rooms[roomID], c)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	} else {
		s.rooms[roomID] = members
	}
	s.mu.Unlock()

	for _, member := range members {
		member.send(map[string]string{"type": "peer_left"})
	}
}

func without(list []*client, c *client) []*client {
	out := list[:0]
	for _, item := range list {
		if item != c {
			out = append(out, item)
		}
	}
	return out
}
