// Package session owns the set of active connections: sending and answering
// invitations, admission control, payload delivery, and connect/disconnect
// notifications. All callbacks fire from one event-loop goroutine regardless
// of which goroutine the transport delivered the underlying event on — the
// transport makes no threading promises, this package does.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nearbychat/nearby/internal/discovery"
	"github.com/nearbychat/nearby/internal/registry"
	"github.com/nearbychat/nearby/internal/wire"
)

var (
	// ErrPeerNotFound means the uuid has no live discovery handle.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrNoContext means an invitation was attempted without room context.
	ErrNoContext = errors.New("invitation has no room context")

	// ErrInviteDeclined means the remote peer rejected, or the bounded wait
	// expired. There is no retry; callers re-invite.
	ErrInviteDeclined = errors.New("invitation declined or timed out")
)

// State is the connection state for one remote identity. The only
// transitions are Disconnected→Connecting→Connected and back to
// Disconnected; reconnection is a fresh Connecting cycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// Policy decides whether to accept an invitation, typically by asking the
// user. It is consulted only while the session is under capacity; admission
// control overrides whatever it answers.
type Policy func(fromUUID, fromName string, inv wire.Invitation) bool

// Callbacks are the session's outward notifications. All of them are invoked
// from the manager's event loop, exactly once per transition.
type Callbacks struct {
	// OnConnected fires when a session with a peer is established.
	OnConnected func(uuid, name string)

	// OnDisconnected fires when a session ends, including the synthesized
	// case of a connected peer silently vanishing from discovery.
	OnDisconnected func(uuid, name string)

	// OnJoin runs on the accepting side after policy and admission both
	// pass, before the acceptance goes out. Returning an error converts the
	// acceptance into a rejection — no session without durable room state.
	OnJoin func(inv wire.Invitation, fromUUID, fromName string) error

	// OnPayload delivers a decoded session payload.
	OnPayload func(fromUUID string, env wire.Envelope)

	// OnAdmissionRejected fires when an invitation was force-rejected for
	// capacity, regardless of what the policy would have said.
	OnAdmissionRejected func(fromUUID string)
}

// Manager tracks per-peer connection state over a discovery adapter.
type Manager struct {
	adapter  discovery.Adapter
	reg      *registry.Registry
	selfUUID string

	maxPeers      int
	inviteTimeout time.Duration
	policy        Policy
	cb            Callbacks

	mu     sync.Mutex
	states map[string]State  // uuid → state
	names  map[string]string // uuid → last known display name

	// pending funnels work from caller goroutines into the event loop so
	// every callback fires from the same goroutine. The queue is unbounded:
	// posting never blocks and never runs an action inline.
	actMu    sync.Mutex
	pending  []func()
	actionCh chan struct{}
}

// Options configures a Manager.
type Options struct {
	SelfUUID      string
	MaxPeers      int
	InviteTimeout time.Duration
	Policy        Policy
	Callbacks     Callbacks
}

// New creates a session manager. Run must be started for events and
// callbacks to flow.
func New(adapter discovery.Adapter, reg *registry.Registry, opt Options) *Manager {
	timeout := opt.InviteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxPeers := opt.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 8
	}
	return &Manager{
		adapter:       adapter,
		reg:           reg,
		selfUUID:      opt.SelfUUID,
		maxPeers:      maxPeers,
		inviteTimeout: timeout,
		policy:        opt.Policy,
		cb:            opt.Callbacks,
		states:        make(map[string]State),
		names:         make(map[string]string),
		actionCh:      make(chan struct{}, 1),
	}
}

// Run consumes adapter events until ctx is cancelled. It is the single
// delivery goroutine: discovery events, invitations, payloads and the
// deferred effects of Invite/SendPayload all pass through here in order.
func (m *Manager) Run(ctx context.Context) {
	events := m.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.actionCh:
			for _, fn := range m.takePending() {
				fn()
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev discovery.Event) {
	switch ev.Type {
	case discovery.EvtPeerFound:
		m.reg.OnPeerFound(ev.Handle, ev.Metadata)
		if uuid, ok := m.reg.Resolve(ev.Handle); ok {
			m.mu.Lock()
			m.names[uuid] = m.reg.DisplayName(uuid)
			m.mu.Unlock()
		}

	case discovery.EvtPeerLost:
		uuid, ok := m.reg.Resolve(ev.Handle)
		m.reg.OnPeerLost(ev.Handle)
		if ok {
			// A connected peer vanishing from discovery is a disconnect,
			// even though no goodbye ever arrived.
			m.markDisconnected(uuid)
		}

	case discovery.EvtInvitation:
		m.handleInvitation(ev)

	case discovery.EvtData:
		env, err := wire.Decode(ev.Bytes)
		if err != nil {
			log.Printf("SESSION: dropping malformed payload from %s: %v", ev.Handle, err)
			return
		}
		uuid, ok := m.reg.Resolve(ev.Handle)
		if !ok {
			log.Printf("SESSION: payload from unknown handle %s, dropped", ev.Handle)
			return
		}
		if m.cb.OnPayload != nil {
			m.cb.OnPayload(uuid, env)
		}

	case discovery.EvtLinkChanged:
		if ev.Connected {
			return // sessions are established by invitation, not raw links
		}
		if uuid, ok := m.reg.Resolve(ev.Handle); ok {
			m.markDisconnected(uuid)
		}
	}
}

func (m *Manager) handleInvitation(ev discovery.Event) {
	respond := ev.Respond
	if respond == nil {
		respond = func(bool) {}
	}

	env, err := wire.Decode(ev.Context)
	if err != nil || env.Kind != wire.KindInvite {
		log.Printf("SESSION: rejecting malformed invitation from %s", ev.Handle)
		respond(false)
		return
	}
	inv := *env.Invite

	fromUUID, ok := m.reg.Resolve(ev.Handle)
	if !ok {
		// First contact can arrive as an invitation before any presence
		// pulse; the invitation itself carries the stable identity.
		fromUUID = inv.OwnerUUID
	}
	fromName := m.reg.DisplayName(fromUUID)
	if fromName == "" {
		fromName = inv.OwnerName
	}
	if fromUUID == m.selfUUID {
		log.Printf("SESSION: rejecting looped-back invitation")
		respond(false)
		return
	}

	// Admission control outranks the policy: at capacity, reject no matter
	// what the user would have answered.
	if m.connectedCount() >= m.maxPeers {
		log.Printf("SESSION: WARNING at capacity (%d peers), force-rejecting invitation from %s", m.maxPeers, fromUUID)
		if m.cb.OnAdmissionRejected != nil {
			m.cb.OnAdmissionRejected(fromUUID)
		}
		respond(false)
		return
	}

	accept := true
	if m.policy != nil {
		accept = m.policy(fromUUID, fromName, inv)
	}
	if !accept {
		respond(false)
		return
	}

	if m.cb.OnJoin != nil {
		if err := m.cb.OnJoin(inv, fromUUID, fromName); err != nil {
			log.Printf("SESSION: join failed for room %s, rejecting invitation: %v", inv.RoomUUID, err)
			respond(false)
			return
		}
	}

	respond(true)
	m.markConnected(fromUUID, fromName)
}

// Invite sends a connection invitation carrying room context to a visible
// peer and waits for the outcome within the configured timeout. Safe to call
// from any goroutine; the resulting state change and callback are delivered
// through the event loop.
func (m *Manager) Invite(ctx context.Context, uuid string, inv wire.Invitation) error {
	h, ok := m.reg.ResolveReverse(uuid)
	if !ok {
		return ErrPeerNotFound
	}
	if inv.Empty() {
		return ErrNoContext
	}

	b, err := wire.EncodeInvite(inv)
	if err != nil {
		return err
	}

	m.setState(uuid, Connecting)
	accepted, err := m.adapter.Invite(ctx, h, b, m.inviteTimeout)
	if err != nil {
		m.setState(uuid, Disconnected)
		return err
	}
	if !accepted {
		m.setState(uuid, Disconnected)
		return ErrInviteDeclined
	}

	name := m.reg.DisplayName(uuid)
	m.post(func() { m.markConnected(uuid, name) })
	return nil
}

// SendPayload delivers bytes to every listed uuid that currently has a live
// connected handle; others are silently skipped (best effort). A transport
// send failure is treated as a broken link: the session is torn down and
// false is returned.
func (m *Manager) SendPayload(uuids []string, b []byte) bool {
	ok := true
	for _, uuid := range uuids {
		if m.State(uuid) != Connected {
			continue
		}
		h, live := m.reg.ResolveReverse(uuid)
		if !live {
			continue
		}
		if err := m.adapter.Send(h, b, true); err != nil {
			log.Printf("SESSION: send to %s failed, tearing down: %v", uuid, err)
			m.adapter.CloseLink(h)
			id := uuid
			m.post(func() { m.markDisconnected(id) })
			ok = false
		}
	}
	return ok
}

// Disconnect tears down the session with a peer (e.g. after an end-chat).
func (m *Manager) Disconnect(uuid string) {
	if h, ok := m.reg.ResolveReverse(uuid); ok {
		m.adapter.CloseLink(h)
	}
	m.post(func() { m.markDisconnected(uuid) })
}

// State returns the connection state for a uuid.
func (m *Manager) State(uuid string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[uuid]
}

// ConnectedUUIDs returns a snapshot of currently connected peers.
func (m *Manager) ConnectedUUIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for uuid, st := range m.states {
		if st == Connected {
			out = append(out, uuid)
		}
	}
	return out
}

func (m *Manager) connectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.states {
		if st == Connected {
			n++
		}
	}
	return n
}

func (m *Manager) setState(uuid string, st State) {
	m.mu.Lock()
	m.states[uuid] = st
	m.mu.Unlock()
}

// markConnected transitions to Connected and fires OnConnected exactly once.
func (m *Manager) markConnected(uuid, name string) {
	m.mu.Lock()
	if m.states[uuid] == Connected {
		m.mu.Unlock()
		return
	}
	m.states[uuid] = Connected
	if name != "" {
		m.names[uuid] = name
	} else {
		name = m.names[uuid]
	}
	m.mu.Unlock()

	log.Printf("SESSION: connected to %s (%s)", uuid, name)
	if m.cb.OnConnected != nil {
		m.cb.OnConnected(uuid, name)
	}
}

// markDisconnected transitions to Disconnected and fires OnDisconnected
// exactly once.
func (m *Manager) markDisconnected(uuid string) {
	m.mu.Lock()
	if m.states[uuid] != Connected {
		m.states[uuid] = Disconnected
		m.mu.Unlock()
		return
	}
	m.states[uuid] = Disconnected
	name := m.names[uuid]
	m.mu.Unlock()

	log.Printf("SESSION: disconnected from %s (%s)", uuid, name)
	if m.cb.OnDisconnected != nil {
		m.cb.OnDisconnected(uuid, name)
	}
}

// post schedules fn on the event loop. It never blocks and never runs fn on
// the caller's goroutine, so callbacks stay on the single delivery goroutine
// even under load or when posted from the loop itself.
func (m *Manager) post(fn func()) {
	m.actMu.Lock()
	m.pending = append(m.pending, fn)
	m.actMu.Unlock()
	select {
	case m.actionCh <- struct{}{}:
	default:
	}
}

func (m *Manager) takePending() []func() {
	m.actMu.Lock()
	fns := m.pending
	m.pending = nil
	m.actMu.Unlock()
	return fns
}
