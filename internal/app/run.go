// Package app wires the whole peer together: identity, storage, transport,
// registry, sessions, chat and the observer feed. Everything above this
// package talks to App methods; everything below it never sees another
// subsystem directly.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nearbychat/nearby/internal/chat"
	"github.com/nearbychat/nearby/internal/config"
	"github.com/nearbychat/nearby/internal/discovery"
	"github.com/nearbychat/nearby/internal/feed"
	"github.com/nearbychat/nearby/internal/identity"
	"github.com/nearbychat/nearby/internal/reconcile"
	"github.com/nearbychat/nearby/internal/registry"
	"github.com/nearbychat/nearby/internal/session"
	"github.com/nearbychat/nearby/internal/storage"
	"github.com/nearbychat/nearby/internal/util"
	"github.com/nearbychat/nearby/internal/wire"
)

// Options configures a peer run.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Policy decides incoming invitations. Nil means accept everything,
	// which is what a headless peer wants.
	Policy session.Policy

	// Interactive starts the stdin operator console.
	Interactive bool
}

// App is one running peer.
type App struct {
	cfg      config.Config
	id       identity.Identity
	db       *storage.DB
	reg      *registry.Registry
	adapter  *discovery.LibP2P
	sessions *session.Manager
	chats    *chat.Manager
	rooms    *reconcile.Reconciler

	mu          sync.Mutex
	displayName string
}

// New builds the peer without starting any loops.
func New(ctx context.Context, opt Options) (*App, error) {
	cfg := opt.Cfg

	id, isNew, err := identity.LoadOrCreate(
		util.ResolvePath(opt.PeerDir, cfg.Identity.IDFile),
		util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
	)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if isNew {
		log.Printf("APP: generated new identity %s", id.UUID)
	} else {
		log.Printf("APP: loaded identity %s", id.UUID)
	}

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, "data"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	adapter, err := discovery.NewLibP2P(ctx, discovery.LibP2POptions{
		Key:         id.Key,
		ListenPort:  cfg.P2P.ListenPort,
		MdnsTag:     cfg.P2P.MdnsTag,
		Topic:       cfg.Presence.Topic,
		PresenceTTL: time.Duration(cfg.Presence.TTLSec) * time.Second,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}

	a := &App{
		cfg:         cfg,
		id:          id,
		db:          db,
		reg:         registry.New(),
		adapter:     adapter,
		rooms:       reconcile.New(db),
		displayName: cfg.Profile.DisplayName,
	}

	a.sessions = session.New(adapter, a.reg, session.Options{
		SelfUUID:      id.UUID,
		MaxPeers:      cfg.Session.MaxPeers,
		InviteTimeout: time.Duration(cfg.Session.InviteTimeoutSec) * time.Second,
		Policy:        opt.Policy,
		Callbacks: session.Callbacks{
			OnConnected: func(uuid, name string) {
				if err := db.TouchConnected(uuid); err != nil {
					log.Printf("APP: touch connected %s: %v", uuid, err)
				}
			},
			OnDisconnected: func(uuid, name string) {
				a.chats.HandleDisconnect(uuid, name)
			},
			OnJoin: func(inv wire.Invitation, fromUUID, fromName string) error {
				_, err := a.rooms.JoinRoom(inv.RoomUUID, inv.RoomName, inv.OwnerUUID, inv.OwnerName, id.UUID)
				return err
			},
			OnPayload: func(fromUUID string, env wire.Envelope) {
				a.chats.HandlePayload(fromUUID, env)
			},
		},
	})
	a.chats = chat.New(db, a.sessions, id.UUID, chat.DefaultBufferSize)

	return a, nil
}

// Run starts all loops and blocks until ctx is cancelled, then shuts down
// gracefully: an offline pulse goes out before the transport closes.
func Run(ctx context.Context, opt Options) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := New(runCtx, opt)
	if err != nil {
		return err
	}

	go a.sessions.Run(runCtx)

	// Persist sightings as the registry learns about peers.
	regCh := a.reg.Subscribe()
	go func() {
		for ev := range regCh {
			if ev.Type == registry.EvtFound {
				if err := a.db.TouchSeen(ev.UUID, ev.Name); err != nil {
					log.Printf("APP: touch seen %s: %v", ev.UUID, err)
				}
			}
		}
	}()

	if err := a.adapter.StartScanning(runCtx); err != nil {
		return err
	}
	if err := a.publishPresence(runCtx, wire.TypeOnline); err != nil {
		log.Printf("APP: first presence publish failed: %v", err)
	}
	go a.heartbeatLoop(runCtx)

	// Profile edits take effect live; invalid files are ignored by the
	// watcher, so the running config only ever moves to a valid state.
	if opt.CfgPath != "" {
		err := config.Watch(runCtx, opt.CfgPath, func(newCfg config.Config) {
			a.mu.Lock()
			changed := a.displayName != newCfg.Profile.DisplayName
			a.displayName = newCfg.Profile.DisplayName
			a.mu.Unlock()
			if changed {
				log.Printf("APP: display name changed to %q", newCfg.Profile.DisplayName)
				_ = a.publishPresence(runCtx, wire.TypeUpdate)
			}
		})
		if err != nil {
			log.Printf("APP: config watcher unavailable: %v", err)
		}
	}

	if a.cfg.Feed.HTTPAddr != "" {
		srv := feed.NewServer(a.chats, a.reg)
		go func() {
			if err := srv.Run(runCtx, a.cfg.Feed.HTTPAddr); err != nil {
				log.Printf("APP: feed server: %v", err)
			}
		}()
	}

	if opt.Interactive {
		go a.runConsole(runCtx, os.Stdin, os.Stdout)
	}

	log.Printf("APP: peer %s (%q) online", a.id.UUID, a.DisplayName())
	<-runCtx.Done()

	// Graceful exit: announce departure while the transport still works.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	a.adapter.StopAdvertising(shutCtx)
	shutCancel()
	a.reg.Unsubscribe(regCh)

	return a.Close()
}

func (a *App) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(time.Duration(a.cfg.Presence.HeartbeatSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.publishPresence(ctx, wire.TypeUpdate); err != nil {
				log.Printf("APP: presence publish failed: %v", err)
			}
		}
	}
}

func (a *App) publishPresence(ctx context.Context, typ string) error {
	msg := wire.PresenceMsg{
		Type:  typ,
		UUID:  a.id.UUID,
		Name:  a.DisplayName(),
		Addrs: a.adapter.Addrs(),
		TS:    wire.NowMillis(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.adapter.StartAdvertising(ctx, b)
}

// DisplayName returns the current advertised name.
func (a *App) DisplayName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.displayName
}

// UUID returns this peer's stable identity.
func (a *App) UUID() string { return a.id.UUID }

// PeerView is one visible peer for listing.
type PeerView struct {
	UUID      string
	Name      string
	Connected bool
}

// VisiblePeers lists currently discoverable peers.
func (a *App) VisiblePeers() []PeerView {
	var out []PeerView
	for _, id := range a.reg.VisibleUUIDs() {
		out = append(out, PeerView{
			UUID:      id,
			Name:      a.reg.DisplayName(id),
			Connected: a.sessions.State(id) == session.Connected,
		})
	}
	return out
}

// StartChat reconciles a room with the peer and sends the invitation. When
// old rooms exist the most recent one is reused; Result.Candidates lists the
// alternatives the caller may offer instead.
func (a *App) StartChat(ctx context.Context, peerUUID, roomName string) (reconcile.Result, error) {
	peerName := a.reg.DisplayName(peerUUID)
	res, err := a.rooms.CreateOrReuseRoom(a.id.UUID, a.DisplayName(), peerUUID, peerName, roomName, "")
	if err != nil {
		return reconcile.Result{}, err
	}
	if err := a.invite(ctx, peerUUID, res.Room); err != nil {
		return res, err
	}
	return res, nil
}

// StartFresh creates a brand-new room even when rejoin candidates exist,
// then invites the peer into it.
func (a *App) StartFresh(ctx context.Context, peerUUID, roomName string) (storage.RoomRow, error) {
	peerName := a.reg.DisplayName(peerUUID)
	room, err := a.rooms.ForceCreateRoom(a.id.UUID, a.DisplayName(), peerUUID, peerName, roomName)
	if err != nil {
		return storage.RoomRow{}, err
	}
	if err := a.invite(ctx, peerUUID, room); err != nil {
		return room, err
	}
	return room, nil
}

// Rejoin invites the peer into one of the previously shared rooms.
func (a *App) Rejoin(ctx context.Context, peerUUID, roomUUID string) error {
	room, ok := a.db.GetRoomByUUID(roomUUID)
	if !ok {
		return fmt.Errorf("rejoin: unknown room %s", roomUUID)
	}
	return a.invite(ctx, peerUUID, room)
}

func (a *App) invite(ctx context.Context, peerUUID string, room storage.RoomRow) error {
	return a.sessions.Invite(ctx, peerUUID, wire.Invitation{
		RoomUUID:  room.UUID,
		RoomName:  room.Name,
		OwnerUUID: a.id.UUID,
		OwnerName: a.DisplayName(),
	})
}

// SendMessage persists and delivers a chat message.
func (a *App) SendMessage(roomUUID, content string) error {
	return a.chats.Send(roomUUID, content)
}

// EndChat closes a conversation on purpose.
func (a *App) EndChat(roomUUID, peerUUID string) error {
	return a.chats.End(roomUUID, peerUUID)
}

// Rooms lists stored rooms, most recently active first.
func (a *App) Rooms() ([]storage.RoomRow, error) { return a.db.ListRooms() }

// History returns a room's stored messages, oldest first.
func (a *App) History(roomUUID string, limit int) ([]storage.MessageRow, error) {
	return a.chats.History(roomUUID, limit)
}

// KnownPeers lists every peer ever recorded, most recently seen first.
func (a *App) KnownPeers() ([]storage.PeerRow, error) { return a.db.ListPeers() }

// Close releases the transport and the database.
func (a *App) Close() error {
	err := a.adapter.Close()
	if dbErr := a.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
