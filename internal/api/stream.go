package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFrame is one message on the session stream.
type streamFrame struct {
	Type     string                  `json:"type"` // snapshot, update, result
	Snapshot *sessionView            `json:"snapshot,omitempty"`
	Update   *conversation.Update    `json:"update,omitempty"`
	Result   *protocol.ControlResult `json:"result,omitempty"`
}

type hub struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, clients: make(map[*streamClient]struct{})}
}

func (h *hub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// publishUpdate runs on the controller goroutine and never blocks: clients
// that cannot keep up are disconnected.
func (h *hub) publishUpdate(u conversation.Update) {
	data, err := json.Marshal(streamFrame{Type: "update", Update: &u})
	if err != nil {
		h.log.Warn("failed to marshal update", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			delete(h.clients, c)
			h.log.Warn("stream client too slow, disconnecting")
			go c.close()
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleStream upgrades to a WebSocket that first carries a session snapshot
// and then every controller update. Clients may send ConversationControl
// messages and receive a result frame for each.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", slogError(err))
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	if !s.hub.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer func() {
		s.hub.remove(c)
		c.close()
	}()
	go c.writePump()

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	view, err := s.view(ctx)
	cancel()
	if err != nil {
		s.log.Warn("stream snapshot failed", slogError(err))
		return
	}
	if data, err := json.Marshal(streamFrame{Type: "snapshot", Snapshot: &view}); err == nil {
		c.enqueue(data)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Info("stream closed", slogError(err))
			}
			return
		}
		result := s.control(r.Context(), data)
		if frame, err := json.Marshal(streamFrame{Type: "result", Result: &result}); err == nil {
			c.enqueue(frame)
		}
	}
}

func (s *Server) control(parent context.Context, data []byte) protocol.ControlResult {
	result := protocol.ControlResult{SessionID: s.sessionID}
	var ctrl protocol.ConversationControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		result.Error = "invalid control message"
		return result
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	var err error
	switch ctrl.Action {
	case protocol.ActionListen:
		err = s.session.StartListening(ctx)
	case protocol.ActionStop:
		err = s.session.StopListening(ctx)
	case protocol.ActionMessage:
		err = s.session.SendMessage(ctx, ctrl.Text)
	case protocol.ActionPersona:
		profile, perr := s.session.SetPersona(ctx, ctrl.Persona)
		err = perr
		result.Persona = string(profile.ID)
	default:
		err = fmt.Errorf("unknown action %q", ctrl.Action)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}
