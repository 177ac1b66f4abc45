package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nearbychat/nearby/internal/discovery"
	"github.com/nearbychat/nearby/internal/reconcile"
	"github.com/nearbychat/nearby/internal/registry"
	"github.com/nearbychat/nearby/internal/session"
	"github.com/nearbychat/nearby/internal/storage"
	"github.com/nearbychat/nearby/internal/wire"
)

// node is a full peer minus the real transport: storage, reconciler,
// sessions and chat wired the same way the app wires them.
type node struct {
	uuid     string
	name     string
	db       *storage.DB
	reg      *registry.Registry
	adapter  *discovery.MemAdapter
	sessions *session.Manager
	chats    *Manager
	rooms    *reconcile.Reconciler
	events   chan Event
}

func makeNode(t *testing.T, ctx context.Context, hub *discovery.Hub, handle, uuid, name string) *node {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := &node{
		uuid:    uuid,
		name:    name,
		db:      db,
		reg:     registry.New(),
		adapter: hub.NewAdapter(handle),
		rooms:   reconcile.New(db),
	}
	n.sessions = session.New(n.adapter, n.reg, session.Options{
		SelfUUID:      uuid,
		InviteTimeout: 2 * time.Second,
		Callbacks: session.Callbacks{
			OnJoin: func(inv wire.Invitation, fromUUID, fromName string) error {
				_, err := n.rooms.JoinRoom(inv.RoomUUID, inv.RoomName, inv.OwnerUUID, inv.OwnerName, uuid)
				return err
			},
			OnPayload: func(fromUUID string, env wire.Envelope) {
				n.chats.HandlePayload(fromUUID, env)
			},
			OnDisconnected: func(peerUUID, peerName string) {
				n.chats.HandleDisconnect(peerUUID, peerName)
			},
		},
	})
	n.chats = New(db, n.sessions, uuid, 16)
	n.events = n.chats.Subscribe()
	t.Cleanup(func() { n.chats.Unsubscribe(n.events) })

	go n.sessions.Run(ctx)
	if err := n.adapter.StartScanning(ctx); err != nil {
		t.Fatalf("StartScanning: %v", err)
	}
	blob, _ := json.Marshal(wire.PresenceMsg{Type: wire.TypeOnline, UUID: uuid, Name: name, TS: wire.NowMillis()})
	if err := n.adapter.StartAdvertising(ctx, blob); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// connect reconciles a room on the inviter and carries the invitation across.
func connect(t *testing.T, ctx context.Context, a, b *node, roomName string) storage.RoomRow {
	t.Helper()
	waitFor(t, func() bool { _, ok := a.reg.ResolveReverse(b.uuid); return ok }, "inviter never saw peer")

	res, err := a.rooms.CreateOrReuseRoom(a.uuid, a.name, b.uuid, b.name, roomName, "")
	if err != nil {
		t.Fatalf("CreateOrReuseRoom: %v", err)
	}
	err = a.sessions.Invite(ctx, b.uuid, wire.Invitation{
		RoomUUID:  res.Room.UUID,
		RoomName:  res.Room.Name,
		OwnerUUID: a.uuid,
		OwnerName: a.name,
	})
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	waitFor(t, func() bool { return a.sessions.State(b.uuid) == session.Connected }, "inviter never connected")
	waitFor(t, func() bool { return b.sessions.State(a.uuid) == session.Connected }, "invitee never connected")
	return res.Room
}

func TestInviteCreatesRoomBothSides(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := discovery.NewHub()
	a := makeNode(t, ctx, hub, "hA", "u1", "alice")
	b := makeNode(t, ctx, hub, "hB", "u2", "bob")

	room := connect(t, ctx, a, b, "lunch")

	got, ok := b.db.GetRoomByUUID(room.UUID)
	if !ok {
		t.Fatal("invitee has no room record")
	}
	if got.OwnerUUID != "u1" || got.Name != "lunch" {
		t.Fatalf("invitee room = %+v", got)
	}
	parts, err := b.db.Participants(room.UUID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(parts) != 2 || parts[0] != "u1" || parts[1] != "u2" {
		t.Fatalf("invitee participants = %v", parts)
	}
}

func TestMessageFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := discovery.NewHub()
	a := makeNode(t, ctx, hub, "hA", "u1", "alice")
	b := makeNode(t, ctx, hub, "hB", "u2", "bob")
	room := connect(t, ctx, a, b, "lunch")

	if err := a.chats.Send(room.UUID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Sender persists immediately.
	msgs, err := a.db.ListMessages(room.UUID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].OwnerUUID != "u1" {
		t.Fatalf("sender messages = %+v", msgs)
	}

	// Receiver persists on delivery.
	waitFor(t, func() bool {
		got, err := b.db.ListMessages(room.UUID, 0)
		return err == nil && len(got) == 1 && got[0].Content == "hello"
	}, "message never reached the invitee's store")

	select {
	case ev := <-b.events:
		if ev.Kind != EventMessage || ev.Message.Content != "hello" || ev.PeerUUID != "u1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message event")
	}
}

func TestReservedContentRejectedFromSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := discovery.NewHub()
	a := makeNode(t, ctx, hub, "hA", "u1", "alice")

	if err := a.chats.Send("r1", wire.EndChatSentinel); err == nil {
		t.Fatal("sending the end-of-chat marker as a message must fail")
	}
	if err := a.chats.Send("r1", wire.LinkLostSentinel); err == nil {
		t.Fatal("sending the link-lost marker as a message must fail")
	}
}

func TestEndChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := discovery.NewHub()
	a := makeNode(t, ctx, hub, "hA", "u1", "alice")
	b := makeNode(t, ctx, hub, "hB", "u2", "bob")
	room := connect(t, ctx, a, b, "lunch")

	if err := a.chats.Send(room.UUID, "bye soon"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := b.db.ListMessages(room.UUID, 0)
		return len(got) == 1
	}, "message never arrived")

	if err := a.chats.End(room.UUID, b.uuid); err != nil {
		t.Fatalf("End: %v", err)
	}

	var sawEnded bool
	deadline := time.After(2 * time.Second)
	for !sawEnded {
		select {
		case ev := <-b.events:
			if ev.Kind == EventEnded {
				if ev.PeerUUID != "u1" || ev.RoomUUID != room.UUID {
					t.Fatalf("unexpected ended event %+v", ev)
				}
				sawEnded = true
			}
		case <-deadline:
			t.Fatal("invitee never observed the end of the conversation")
		}
	}

	waitFor(t, func() bool { return b.sessions.State(a.uuid) == session.Disconnected }, "invitee session never closed")
	waitFor(t, func() bool { return a.sessions.State(b.uuid) == session.Disconnected }, "inviter session never closed")

	// The marker itself is never stored on either side.
	for _, n := range []*node{a, b} {
		msgs, err := n.db.ListMessages(room.UUID, 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Content != "bye soon" {
			t.Fatalf("%s stored %+v, marker must never be persisted", n.uuid, msgs)
		}
	}
}

func TestRejoinAfterEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := discovery.NewHub()
	a := makeNode(t, ctx, hub, "hA", "u1", "alice")
	b := makeNode(t, ctx, hub, "hB", "u2", "bob")

	room := connect(t, ctx, a, b, "lunch")
	if err := a.chats.End(room.UUID, b.uuid); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitFor(t, func() bool { return a.sessions.State(b.uuid) == session.Disconnected }, "session never closed")

	// A fresh reconciliation for the same pair finds the old room again.
	again := connect(t, ctx, a, b, "ignored")
	if again.UUID != room.UUID {
		t.Fatalf("rejoin created %s, want the original room %s", again.UUID, room.UUID)
	}

	rooms, err := b.db.ListRooms()
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("invitee has %d rooms, rejoin must not duplicate", len(rooms))
	}
}
