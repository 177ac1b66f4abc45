package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Hub wires MemAdapters together in-process. Every adapter attached to the
// same hub can discover and invite every other, which is all the multi-node
// tests need; nothing here touches a socket.
type Hub struct {
	mu    sync.Mutex
	nodes map[Handle]*MemAdapter
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[Handle]*MemAdapter)}
}

// NewAdapter attaches a node to the hub under the given handle.
func (h *Hub) NewAdapter(handle string) *MemAdapter {
	a := &MemAdapter{
		hub:    h,
		handle: Handle(handle),
		events: make(chan Event, 128),
		links:  make(map[Handle]bool),
	}
	h.mu.Lock()
	h.nodes[a.handle] = a
	h.mu.Unlock()
	return a
}

func (h *Hub) get(handle Handle) (*MemAdapter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.nodes[handle]
	return a, ok
}

func (h *Hub) snapshot() []*MemAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*MemAdapter, 0, len(h.nodes))
	for _, a := range h.nodes {
		out = append(out, a)
	}
	return out
}

// MemAdapter is an in-process Adapter implementation backed by a Hub.
type MemAdapter struct {
	hub    *Hub
	handle Handle

	mu          sync.Mutex
	advertising bool
	scanning    bool
	metadata    []byte
	links       map[Handle]bool
	closed      bool

	events chan Event
}

var _ Adapter = (*MemAdapter)(nil)

// deliver queues an event, dropping it if the node's buffer is full or the
// adapter is closed. Tests that care about an event consume the channel.
func (a *MemAdapter) deliver(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.events <- ev:
	default:
	}
}

func (a *MemAdapter) StartAdvertising(_ context.Context, metadata []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("adapter closed")
	}
	a.advertising = true
	a.metadata = append([]byte(nil), metadata...)
	a.mu.Unlock()

	for _, other := range a.hub.snapshot() {
		if other.handle == a.handle {
			continue
		}
		other.mu.Lock()
		scanning := other.scanning
		other.mu.Unlock()
		if scanning {
			other.deliver(Event{Type: EvtPeerFound, Handle: a.handle, Metadata: metadata})
		}
	}
	return nil
}

func (a *MemAdapter) StopAdvertising(_ context.Context) {
	a.mu.Lock()
	was := a.advertising
	a.advertising = false
	a.mu.Unlock()
	if !was {
		return
	}
	for _, other := range a.hub.snapshot() {
		if other.handle == a.handle {
			continue
		}
		other.mu.Lock()
		scanning := other.scanning
		other.mu.Unlock()
		if scanning {
			other.deliver(Event{Type: EvtPeerLost, Handle: a.handle})
		}
	}
}

func (a *MemAdapter) StartScanning(_ context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("adapter closed")
	}
	a.scanning = true
	a.mu.Unlock()

	// Catch up on nodes that were already advertising before we looked.
	for _, other := range a.hub.snapshot() {
		if other.handle == a.handle {
			continue
		}
		other.mu.Lock()
		adv, md := other.advertising, other.metadata
		other.mu.Unlock()
		if adv {
			a.deliver(Event{Type: EvtPeerFound, Handle: other.handle, Metadata: md})
		}
	}
	return nil
}

func (a *MemAdapter) Invite(ctx context.Context, h Handle, invCtx []byte, timeout time.Duration) (bool, error) {
	target, ok := a.hub.get(h)
	if !ok {
		return false, fmt.Errorf("invite: unknown handle %s", h)
	}

	reply := make(chan bool, 1)
	var once sync.Once
	target.deliver(Event{
		Type:    EvtInvitation,
		Handle:  a.handle,
		Context: append([]byte(nil), invCtx...),
		Respond: func(accept bool) {
			once.Do(func() { reply <- accept })
		},
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case accepted := <-reply:
		if accepted {
			a.link(target)
		}
		return accepted, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *MemAdapter) link(target *MemAdapter) {
	a.mu.Lock()
	a.links[target.handle] = true
	a.mu.Unlock()
	target.mu.Lock()
	target.links[a.handle] = true
	target.mu.Unlock()
	a.deliver(Event{Type: EvtLinkChanged, Handle: target.handle, Connected: true})
	target.deliver(Event{Type: EvtLinkChanged, Handle: a.handle, Connected: true})
}

func (a *MemAdapter) Send(h Handle, b []byte, _ bool) error {
	a.mu.Lock()
	linked := a.links[h]
	a.mu.Unlock()
	if !linked {
		return fmt.Errorf("send: no link to %s", h)
	}
	target, ok := a.hub.get(h)
	if !ok {
		return fmt.Errorf("send: unknown handle %s", h)
	}
	target.deliver(Event{Type: EvtData, Handle: a.handle, Bytes: append([]byte(nil), b...)})
	return nil
}

func (a *MemAdapter) CloseLink(h Handle) {
	a.mu.Lock()
	linked := a.links[h]
	delete(a.links, h)
	a.mu.Unlock()
	if !linked {
		return
	}
	if target, ok := a.hub.get(h); ok {
		target.mu.Lock()
		delete(target.links, a.handle)
		target.mu.Unlock()
		target.deliver(Event{Type: EvtLinkChanged, Handle: a.handle, Connected: false})
	}
	a.deliver(Event{Type: EvtLinkChanged, Handle: h, Connected: false})
}

func (a *MemAdapter) Events() <-chan Event { return a.events }

// Vanish drops the node from the hub without a goodbye, as if the process
// died. Scanning peers observe a lost event; links break silently.
func (a *MemAdapter) Vanish() {
	a.StopAdvertising(context.Background())
	a.hub.mu.Lock()
	delete(a.hub.nodes, a.handle)
	a.hub.mu.Unlock()
}

func (a *MemAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	// The events channel stays open: a hub broadcast racing Close may be
	// past deliver's closed check, and sending on an open channel is
	// harmless where sending on a closed one panics.
	a.hub.mu.Lock()
	delete(a.hub.nodes, a.handle)
	a.hub.mu.Unlock()
	return nil
}
