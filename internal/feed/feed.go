// Package feed exposes a read-only websocket stream of chat and presence
// events for local observers (a TUI, a debugging client). It never accepts
// commands; the protocol surface stays the session layer.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearbychat/nearby/internal/chat"
	"github.com/nearbychat/nearby/internal/registry"
	"github.com/nearbychat/nearby/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local observer feed; the listener binds loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Frame is one feed message. Exactly one payload field is set.
type Frame struct {
	Type     string          `json:"type"` // chat|peer
	Chat     *chat.Event     `json:"chat,omitempty"`
	Peer     *registry.Event `json:"peer,omitempty"`
	SentAt   int64           `json:"sent_at"`
	Backfill bool            `json:"backfill,omitempty"`
}

// wsConn pairs a socket with a write lock. gorilla/websocket allows only one
// concurrent writer per connection, and the backfill loop can overlap with
// broadcast fan-out.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Server fans events out to connected websocket observers.
type Server struct {
	chats *chat.Manager
	reg   *registry.Registry

	mu    sync.Mutex
	srv   *http.Server
	conns map[*wsConn]struct{}
}

func NewServer(chats *chat.Manager, reg *registry.Registry) *Server {
	return &Server{
		chats: chats,
		reg:   reg,
		conns: make(map[*wsConn]struct{}),
	}
}

// Run serves the feed on addr until ctx is cancelled. An empty addr disables
// the feed entirely.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	chatCh := s.chats.Subscribe()
	peerCh := s.reg.Subscribe()
	go func() {
		defer s.chats.Unsubscribe(chatCh)
		defer s.reg.Unsubscribe(peerCh)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-chatCh:
				if !ok {
					return
				}
				e := ev
				s.broadcast(Frame{Type: "chat", Chat: &e, SentAt: time.Now().UnixMilli()})
			case ev, ok := <-peerCh:
				if !ok {
					return
				}
				e := ev
				s.broadcast(Frame{Type: "peer", Peer: &e, SentAt: time.Now().UnixMilli()})
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()

	log.Printf("FEED: observer feed on ws://%s/ws", addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("FEED: upgrade failed: %v", err)
		return
	}

	c := &wsConn{ws: conn}

	// New observers get the recent chat buffer so they start with context.
	// The conn joins the broadcast set only after the backfill finishes, so
	// live frames never interleave into it.
	for _, ev := range s.chats.Recent() {
		e := ev
		b, _ := json.Marshal(Frame{Type: "chat", Chat: &e, SentAt: time.Now().UnixMilli(), Backfill: true})
		if err := c.write(b); err != nil {
			_ = conn.Close()
			return
		}
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	// Reader goroutine only watches for close; inbound frames are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(c)
				return
			}
		}
	}()
}

func (s *Server) broadcast(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.write(b); err != nil {
			s.drop(c)
		}
	}
}

func (s *Server) drop(c *wsConn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		_ = c.ws.Close()
	}
	s.mu.Unlock()
}
