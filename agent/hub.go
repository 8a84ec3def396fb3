package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"collabink/internal/protocol"
	"collabink/internal/session"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Client is a single connected browser tab.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active tabs and broadcasts session updates to
// them.
type Hub struct {
	session *session.Session
	logger  *slog.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	direct     chan reply
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

type reply struct {
	client  *Client
	message []byte
}

// update is sent to tabs: the event that caused it and the resulting
// state.
type update struct {
	Type  string         `json:"type"`
	Event *session.Event `json:"event,omitempty"`
	State *view          `json:"state,omitempty"`
	Error string         `json:"error,omitempty"`
}

type view struct {
	Session       string                    `json:"session"`
	ClientID      string                    `json:"clientId"`
	IsTeacher     bool                      `json:"isTeacher"`
	CanWrite      bool                      `json:"canWrite"`
	Control       *protocol.ControlState    `json:"control,omitempty"`
	Symbols       []protocol.Symbol         `json:"symbols"`
	Latex         string                    `json:"latex,omitempty"`
	View          session.View              `json:"view"`
	Members       []protocol.PresenceClient `json:"members"`
	Diagrams      []protocol.Diagram        `json:"diagrams"`
	ActiveDiagram string                    `json:"activeDiagram,omitempty"`
	Selection     *selection                `json:"selection,omitempty"`
}

type selection struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func newHub(s *session.Session, logger *slog.Logger) *Hub {
	return &Hub{
		session:    s,
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		direct:     make(chan reply, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("tab registered", "tabs", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("tab unregistered", "tabs", len(h.clients))
			}
		case r := <-h.direct:
			if h.clients[r.client] {
				h.deliver(r.client, r.message)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, message)
			}
		}
	}
}

func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

// snapshot captures the session state. It runs on the session loop.
func (h *Hub) snapshot() *view {
	s := h.session
	cfg := s.Config()
	latex := s.Latex().Latex
	if latex == "" {
		latex = s.Model().Exports().Latex
	}
	var sel *selection
	if cur, ok := s.Diagrams().Selection(); ok {
		sel = &selection{Kind: cur.Kind, ID: cur.ID}
	}
	return &view{
		Session:       cfg.SessionID,
		ClientID:      cfg.ClientID,
		IsTeacher:     cfg.IsTeacher,
		CanWrite:      s.Control().CanWrite(),
		Control:       s.Control().State(),
		Symbols:       s.Model().Symbols(),
		Latex:         latex,
		View:          s.View(),
		Members:       s.Members(),
		Diagrams:      s.Diagrams().Diagrams(),
		ActiveDiagram: s.Diagrams().ActiveID(),
		Selection:     sel,
	}
}

func (h *Hub) encode(u update) []byte {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("encode tab update", "err", err)
		return nil
	}
	return data
}

// publish forwards a session event to every tab. It runs on the session
// loop and never blocks it.
func (h *Hub) publish(ev session.Event) {
	data := h.encode(update{Type: "event", Event: &ev, State: h.snapshot()})
	if data == nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("tab feed full, dropping update", "kind", ev.Kind)
	}
}

func (h *Hub) replyTo(client *Client, u update) {
	data := h.encode(u)
	if data == nil {
		return
	}
	select {
	case h.direct <- reply{client: client, message: data}:
	default:
		h.logger.Warn("tab feed full, dropping reply")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade tab connection", "err", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	hub.session.Post(func() {
		hub.replyTo(client, update{Type: "state", State: hub.snapshot()})
	})
	go client.writePump()
	go client.readPump(hub)
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var op Op
		if err := json.Unmarshal(message, &op); err != nil {
			hub.logger.Warn("decode tab op", "err", err)
			hub.replyTo(c, update{Type: "error", Error: "invalid op: " + err.Error()})
			continue
		}
		hub.session.Post(func() {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := applyOp(ctx, hub.session, op); err != nil {
				hub.logger.Debug("tab op failed", "action", op.Action, "tab", op.ClientID, "err", err)
				hub.replyTo(c, update{Type: "error", Error: err.Error()})
			}
		})
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
