// Package relay bridges participant websockets to a Broker. Every frame is
// a JSON envelope; the relay stamps the sender's client id, keeps the
// presence set, and forwards everything else unchanged.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabink/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

// Server serves the session websocket endpoint.
type Server struct {
	broker   Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu sync.Mutex
	// current is the newest connection per session and client id. Only
	// it may remove the client's presence.
	current map[string]*peer
}

// New returns a relay over broker.
func New(broker Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker:  broker,
		logger:  logger,
		current: map[string]*peer{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts GET /sessions/{session}/ws on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/sessions/{session}/ws", s.ServeWs).Methods(http.MethodGet)
}

type peer struct {
	session string
	member  protocol.PresenceClient
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	entered bool
	logger  *slog.Logger
}

// ServeWs upgrades one participant connection and relays until it closes.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	query := r.URL.Query()
	clientID := query.Get("client")
	if clientID == "" {
		http.Error(w, "client query parameter is required", http.StatusBadRequest)
		return
	}
	admin, _ := strconv.ParseBool(query.Get("admin"))

	ctx := context.WithoutCancel(r.Context())
	sub, err := s.broker.Subscribe(ctx, session)
	if err != nil {
		s.logger.Error("subscribe session", "session", session, "err", err)
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		s.logger.Warn("upgrade websocket", "err", err)
		return
	}
	p := &peer{
		session: session,
		member:  protocol.PresenceClient{ClientID: clientID, Name: query.Get("name"), IsAdmin: admin},
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		logger:  s.logger.With("session", session, "client", clientID),
	}
	p.logger.Info("participant connected")
	s.claim(p)

	go p.writePump()
	go p.forward(sub.Messages())
	s.sendMembers(ctx, p)

	s.readPump(ctx, p)

	close(p.done)
	_ = sub.Close()
	if s.release(p) && p.entered {
		s.leave(ctx, p)
	}
	p.logger.Info("participant disconnected")
}

func peerKey(p *peer) string { return p.session + "\x00" + p.member.ClientID }

func (s *Server) claim(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[peerKey(p)] = p
}

// release reports whether p was still the client's newest connection.
func (s *Server) release(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := peerKey(p)
	if s.current[key] != p {
		return false
	}
	delete(s.current, key)
	return true
}

// sendMembers tells a newcomer who is already present.
func (s *Server) sendMembers(ctx context.Context, p *peer) {
	members, err := s.broker.Members(ctx, p.session)
	if err != nil {
		p.logger.Warn("list members", "err", err)
		return
	}
	for _, m := range members {
		raw, err := encode(protocol.TopicPresence, m.ClientID, protocol.PresenceEvent{Action: protocol.PresenceEnter, Member: m})
		if err != nil {
			continue
		}
		p.enqueue(raw)
	}
}

func encode(topic, clientID string, payload any) ([]byte, error) {
	env, err := protocol.Wrap(topic, clientID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (s *Server) readPump(ctx context.Context, p *peer) {
	defer p.conn.Close()
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("read websocket", "err", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			p.logger.Warn("drop malformed envelope", "err", err)
			continue
		}
		env.ClientID = p.member.ClientID
		if env.Topic == protocol.TopicPresence {
			s.presence(ctx, p, env)
			continue
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := s.broker.Publish(ctx, p.session, raw); err != nil {
			p.logger.Warn("publish envelope", "topic", env.Topic, "err", err)
		}
	}
}

// presence applies a participant's enter, update or leave. The member
// id is always the connection's own.
func (s *Server) presence(ctx context.Context, p *peer, env protocol.Envelope) {
	var ev protocol.PresenceEvent
	if err := env.Decode(&ev); err != nil {
		p.logger.Warn("drop malformed presence event", "err", err)
		return
	}
	ev.Member.ClientID = p.member.ClientID
	switch ev.Action {
	case protocol.PresenceLeave:
		if !p.entered {
			return
		}
		s.leave(ctx, p)
		return
	case protocol.PresenceEnter, protocol.PresenceUpdate:
		p.member = ev.Member
		if err := s.broker.SetMember(ctx, p.session, ev.Member); err != nil {
			p.logger.Warn("set member", "err", err)
			return
		}
		p.entered = true
	default:
		return
	}
	raw, err := encode(protocol.TopicPresence, p.member.ClientID, ev)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, p.session, raw); err != nil {
		p.logger.Warn("publish presence", "err", err)
	}
}

func (s *Server) leave(ctx context.Context, p *peer) {
	p.entered = false
	if err := s.broker.RemoveMember(ctx, p.session, p.member.ClientID); err != nil {
		p.logger.Warn("remove member", "err", err)
	}
	raw, err := encode(protocol.TopicPresence, p.member.ClientID,
		protocol.PresenceEvent{Action: protocol.PresenceLeave, Member: p.member})
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, p.session, raw); err != nil {
		p.logger.Warn("publish leave", "err", err)
	}
}

// forward copies broker messages to the peer until the subscription
// closes. A peer that cannot keep up is disconnected.
func (p *peer) forward(messages <-chan []byte) {
	for msg := range messages {
		if !p.enqueue(msg) {
			p.logger.Warn("participant too slow, closing")
			_ = p.conn.Close()
		}
	}
	// broker feed ended; make the participant reconnect
	_ = p.conn.Close()
}

func (p *peer) enqueue(msg []byte) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case message := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
