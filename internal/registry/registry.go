// Package registry maps ephemeral transport handles to stable peer
// identities. The transport hands out a fresh handle every time a peer is
// seen; the uuid inside the advertised metadata is what the rest of the
// system keys on. The registry keeps the two-way mapping and tells listeners
// when peers come and go.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/nearbychat/nearby/internal/discovery"
	"github.com/nearbychat/nearby/internal/wire"
)

// EventType discriminates registry events.
type EventType string

const (
	EvtFound EventType = "found"
	EvtLost  EventType = "lost"
)

// Event is emitted when a peer becomes visible or disappears.
type Event struct {
	Type EventType `json:"type"`
	UUID string    `json:"uuid"`
	Name string    `json:"name,omitempty"`
}

type entry struct {
	uuid     string
	name     string
	lastSeen time.Time
}

// Registry is the two-way handle↔uuid map. At most one live handle maps to a
// given uuid at a time; re-discovery replaces the previous handle.
type Registry struct {
	mu        sync.Mutex
	byHandle  map[discovery.Handle]entry
	byUUID    map[string]discovery.Handle
	listeners []chan Event
}

func New() *Registry {
	return &Registry{
		byHandle:  make(map[discovery.Handle]entry),
		byUUID:    make(map[string]discovery.Handle),
		listeners: make([]chan Event, 0),
	}
}

// OnPeerFound records a discovered peer. Metadata without a stable uuid is
// dropped without an event: unidentified peers are not tracked. A duplicate
// found for an already-tracked uuid updates the mapping in place.
func (r *Registry) OnPeerFound(h discovery.Handle, metadata []byte) {
	pm, err := wire.ParsePresence(metadata)
	if err != nil || pm.UUID == "" {
		log.Printf("REGISTRY: dropping unidentified peer %s", h)
		return
	}

	r.mu.Lock()
	if old, ok := r.byUUID[pm.UUID]; ok && old != h {
		delete(r.byHandle, old)
	}
	r.byHandle[h] = entry{uuid: pm.UUID, name: pm.Name, lastSeen: time.Now()}
	r.byUUID[pm.UUID] = h
	ev := Event{Type: EvtFound, UUID: pm.UUID, Name: pm.Name}
	r.notifyLocked(ev)
	r.mu.Unlock()
}

// OnPeerLost removes the mapping for a handle. Unknown handles are a no-op.
func (r *Registry) OnPeerLost(h discovery.Handle) {
	r.mu.Lock()
	e, ok := r.byHandle[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byHandle, h)
	// Only clear the reverse mapping if it still points at this handle; a
	// re-discovery may already have replaced it.
	if cur, ok := r.byUUID[e.uuid]; ok && cur == h {
		delete(r.byUUID, e.uuid)
	}
	ev := Event{Type: EvtLost, UUID: e.uuid, Name: e.name}
	r.notifyLocked(ev)
	r.mu.Unlock()
}

// Resolve returns the stable uuid for a handle.
func (r *Registry) Resolve(h discovery.Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHandle[h]
	return e.uuid, ok
}

// ResolveReverse returns the live handle for a uuid.
func (r *Registry) ResolveReverse(uuid string) (discovery.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byUUID[uuid]
	return h, ok
}

// DisplayName returns the last advertised name for a visible uuid.
func (r *Registry) DisplayName(uuid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byUUID[uuid]; ok {
		return r.byHandle[h].name
	}
	return ""
}

// VisibleUUIDs returns a consistent snapshot of currently-visible uuids.
func (r *Registry) VisibleUUIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byUUID))
	for id := range r.byUUID {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyLocked(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
