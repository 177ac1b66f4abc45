// Package chat turns established sessions into conversations: it persists
// ordinary messages, handles the reserved end-of-chat values, and fans events
// out to in-process listeners.
package chat

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nearbychat/nearby/internal/session"
	"github.com/nearbychat/nearby/internal/storage"
	"github.com/nearbychat/nearby/internal/util"
	"github.com/nearbychat/nearby/internal/wire"
)

// DefaultBufferSize is the default number of chat events kept in memory.
const DefaultBufferSize = 100

// EventKind discriminates chat events.
type EventKind string

const (
	// EventMessage is an ordinary message, already persisted.
	EventMessage EventKind = "message"

	// EventEnded means the remote user closed the conversation on purpose.
	EventEnded EventKind = "ended"

	// EventLinkLost means the conversation died without a goodbye.
	EventLinkLost EventKind = "link_lost"
)

// Event is one chat occurrence fanned out to listeners.
type Event struct {
	Kind     EventKind          `json:"kind"`
	RoomUUID string             `json:"room_uuid,omitempty"`
	PeerUUID string             `json:"peer_uuid,omitempty"`
	PeerName string             `json:"peer_name,omitempty"`
	Message  storage.MessageRow `json:"message"`
}

// Manager handles chat operations over the session layer.
type Manager struct {
	db       *storage.DB
	sessions *session.Manager
	selfUUID string

	mu        sync.RWMutex
	recent    *util.RingBuffer[Event]
	listeners []chan Event
}

// New creates a chat manager. HandlePayload and HandleDisconnect must be
// wired into the session callbacks for inbound traffic to arrive.
func New(db *storage.DB, sessions *session.Manager, selfUUID string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		db:       db,
		sessions: sessions,
		selfUUID: selfUUID,
		recent:   util.NewRingBuffer[Event](bufferSize),
	}
}

// Send persists an outgoing message and delivers it to every connected
// recipient. Persistence happens first: a message the user sent exists
// locally even if every link is down.
func (m *Manager) Send(roomUUID, content string) error {
	if content == wire.EndChatSentinel || content == wire.LinkLostSentinel {
		return fmt.Errorf("send: reserved content")
	}

	msgUUID := uuid.NewString()
	if err := m.db.AppendMessage(msgUUID, roomUUID, m.selfUUID, content); err != nil {
		return fmt.Errorf("send: persist message: %w", err)
	}

	participants, err := m.db.Participants(roomUUID)
	if err != nil {
		return err
	}
	var recipients []string
	for _, p := range participants {
		if p != m.selfUUID {
			recipients = append(recipients, p)
		}
	}

	b, err := wire.EncodeChat(wire.ChatMsg{
		SenderUUID: m.selfUUID,
		RoomUUID:   roomUUID,
		Content:    content,
		TS:         wire.NowMillis(),
	})
	if err != nil {
		return err
	}
	if !m.sessions.SendPayload(recipients, b) {
		log.Printf("CHAT: delivery incomplete for room %s", roomUUID)
	}

	m.emit(Event{
		Kind:     EventMessage,
		RoomUUID: roomUUID,
		PeerUUID: m.selfUUID,
		Message:  storage.MessageRow{UUID: msgUUID, RoomUUID: roomUUID, OwnerUUID: m.selfUUID, Content: content},
	})
	return nil
}

// End closes a conversation on purpose: the end-of-chat marker goes to the
// peer, then the session is torn down. The marker is never stored.
func (m *Manager) End(roomUUID, peerUUID string) error {
	b, err := wire.EncodeChat(wire.ChatMsg{
		SenderUUID: m.selfUUID,
		RoomUUID:   roomUUID,
		Content:    wire.EndChatSentinel,
		TS:         wire.NowMillis(),
	})
	if err != nil {
		return err
	}
	m.sessions.SendPayload([]string{peerUUID}, b)
	m.sessions.Disconnect(peerUUID)
	log.Printf("CHAT: ended conversation in room %s with %s", roomUUID, peerUUID)
	return nil
}

// HandlePayload consumes a decoded session payload. Reserved content values
// close the conversation and are never persisted; everything else is an
// ordinary message.
func (m *Manager) HandlePayload(fromUUID string, env wire.Envelope) {
	if env.Kind != wire.KindChat || env.Chat == nil {
		return
	}
	msg := *env.Chat

	switch msg.Content {
	case wire.EndChatSentinel:
		log.Printf("CHAT: %s ended the conversation in room %s", fromUUID, msg.RoomUUID)
		m.sessions.Disconnect(fromUUID)
		m.emit(Event{Kind: EventEnded, RoomUUID: msg.RoomUUID, PeerUUID: fromUUID})
		return
	case wire.LinkLostSentinel:
		// Normally synthesized locally, but honor it on the wire too.
		m.sessions.Disconnect(fromUUID)
		m.emit(Event{Kind: EventLinkLost, RoomUUID: msg.RoomUUID, PeerUUID: fromUUID})
		return
	}

	msgUUID := uuid.NewString()
	if err := m.db.AppendMessage(msgUUID, msg.RoomUUID, fromUUID, msg.Content); err != nil {
		log.Printf("CHAT: failed to persist message from %s: %v", fromUUID, err)
		return
	}
	m.emit(Event{
		Kind:     EventMessage,
		RoomUUID: msg.RoomUUID,
		PeerUUID: fromUUID,
		Message:  storage.MessageRow{UUID: msgUUID, RoomUUID: msg.RoomUUID, OwnerUUID: fromUUID, Content: msg.Content},
	})
}

// HandleDisconnect records a conversation dying without a goodbye. Wired to
// the session manager's OnDisconnected callback.
func (m *Manager) HandleDisconnect(peerUUID, peerName string) {
	m.emit(Event{Kind: EventLinkLost, PeerUUID: peerUUID, PeerName: peerName})
}

// History returns a room's stored messages, oldest first.
func (m *Manager) History(roomUUID string, limit int) ([]storage.MessageRow, error) {
	return m.db.ListMessages(roomUUID, limit)
}

// Recent returns the in-memory event buffer, oldest first.
func (m *Manager) Recent() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recent.Snapshot()
}

// Subscribe registers a listener channel for chat events.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent.Push(ev)
	for _, l := range m.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}
