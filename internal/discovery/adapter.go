// Package discovery defines the transport boundary the core consumes: an
// adapter that broadcasts presence, scans for peers, carries invitations and
// session payloads, and reports link state. The core never sees transport
// addresses — only ephemeral handles and opaque byte blobs.
package discovery

import (
	"context"
	"time"
)

// Handle is an ephemeral, transport-assigned identifier for a visible peer.
// It is only meaningful for the current process lifetime; the stable identity
// travels inside the advertised metadata blob.
type Handle string

// EventType discriminates adapter events.
type EventType string

const (
	EvtPeerFound   EventType = "peer_found"
	EvtPeerLost    EventType = "peer_lost"
	EvtInvitation  EventType = "invitation"
	EvtData        EventType = "data"
	EvtLinkChanged EventType = "link_changed"
)

// Event is a single adapter event. Fields beyond Handle are set per type:
// Metadata for peer_found, Context and Respond for invitation, Bytes for
// data, Connected for link_changed.
type Event struct {
	Type      EventType
	Handle    Handle
	Metadata  []byte
	Context   []byte
	Respond   func(accept bool)
	Bytes     []byte
	Connected bool
}

// Adapter is the abstract discovery/session transport.
//
// Implementations deliver all events on the channel returned by Events, in
// the order they occurred per handle; a found and a later lost for the same
// handle are never reordered.
type Adapter interface {
	// StartAdvertising begins broadcasting presence with the given metadata
	// blob. Safe to call again to refresh the blob (heartbeat).
	StartAdvertising(ctx context.Context, metadata []byte) error

	// StopAdvertising announces departure and stops broadcasting.
	StopAdvertising(ctx context.Context)

	// StartScanning begins watching for peers; found/lost events follow.
	StartScanning(ctx context.Context) error

	// Invite sends a connection invitation carrying the serialized room
	// context and waits up to timeout for the answer. A timeout is reported
	// as accepted=false with a nil error; the invite is simply abandoned.
	Invite(ctx context.Context, h Handle, context []byte, timeout time.Duration) (accepted bool, err error)

	// Send delivers a payload to each handle, best-effort per handle. The
	// returned error covers total failure of a handle's link.
	Send(h Handle, b []byte, reliable bool) error

	// CloseLink tears down the transport link to a peer. Both sides observe
	// a link_changed event with Connected=false.
	CloseLink(h Handle)

	// Events returns the adapter's event stream. The channel is never
	// closed; after Close, deliveries stop and consumers exit via their
	// own context.
	Events() <-chan Event

	Close() error
}
