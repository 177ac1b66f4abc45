// Package wire defines the shared wire formats: the presence metadata blob
// peers advertise while discoverable, and the payload envelope exchanged over
// established sessions. Everything is JSON; the envelope carries a kind
// discriminator so a receiver can tell a room invitation from a chat message
// without guessing.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	PresenceTopic = "nearby.presence.v1"
	MdnsTag       = "nearby-mdns"

	// libp2p stream protocol ID for connection invitations
	InviteProtoID = "/nearby/invite/1.0.0"

	// libp2p stream protocol ID for session payloads
	DataProtoID = "/nearby/data/1.0.0"
)

// Presence message types.
const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// Reserved chat content values. EndChatSentinel signals a graceful close by
// the remote user; LinkLostSentinel is synthesized locally when a connected
// peer disappears from discovery without saying goodbye. Neither is ever
// stored or shown as an ordinary message.
const (
	EndChatSentinel  = "\x00__end_chat__"
	LinkLostSentinel = "\x00__link_lost__"
)

// PresenceMsg is the advertised metadata blob. UUID is the stable
// application-level identity; the transport handle that delivered the blob is
// ephemeral and never appears inside it.
type PresenceMsg struct {
	Type  string   `json:"type"` // online|update|offline
	UUID  string   `json:"uuid"`
	Name  string   `json:"name,omitempty"`
	Addrs []string `json:"addrs,omitempty"` // multiaddresses for WAN connectivity
	TS    int64    `json:"ts"`
}

// ParsePresence decodes a metadata blob. A blob without a uuid is not an
// error at this layer; callers decide whether to drop it.
func ParsePresence(b []byte) (PresenceMsg, error) {
	var pm PresenceMsg
	if err := json.Unmarshal(b, &pm); err != nil {
		return PresenceMsg{}, fmt.Errorf("decode presence: %w", err)
	}
	return pm, nil
}

// Envelope kinds.
const (
	KindInvite = "invite"
	KindChat   = "chat"
)

// Envelope is the self-describing session payload. Exactly one of the
// kind-specific fields is set, matching Kind.
type Envelope struct {
	Kind   string      `json:"kind"`
	Invite *Invitation `json:"invite,omitempty"`
	Chat   *ChatMsg    `json:"chat,omitempty"`
}

// Invitation is the room context carried by a connection invitation. The
// inviter supplies the room identity so both sides end up with the same
// record.
type Invitation struct {
	RoomUUID  string `json:"room_uuid"`
	RoomName  string `json:"room_name"`
	OwnerUUID string `json:"owner_uuid"`
	OwnerName string `json:"owner_name"`
}

// Empty reports whether the invitation carries no usable room context.
func (inv Invitation) Empty() bool {
	return strings.TrimSpace(inv.RoomUUID) == "" || strings.TrimSpace(inv.OwnerUUID) == ""
}

// ChatMsg is a chat payload inside a room.
type ChatMsg struct {
	SenderUUID string `json:"sender_uuid"`
	RoomUUID   string `json:"room_uuid"`
	Content    string `json:"content"`
	TS         int64  `json:"ts"`
}

// InviteReply is the response sent back on the invite stream.
type InviteReply struct {
	Accept bool   `json:"accept"`
	UUID   string `json:"uuid,omitempty"` // responder's stable identity
	Name   string `json:"name,omitempty"`
}

// EncodeInvite wraps an invitation in an envelope and marshals it.
func EncodeInvite(inv Invitation) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindInvite, Invite: &inv})
}

// EncodeChat wraps a chat message in an envelope and marshals it.
func EncodeChat(msg ChatMsg) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindChat, Chat: &msg})
}

// Decode unmarshals an envelope and validates that the kind matches the
// payload actually present.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case KindInvite:
		if env.Invite == nil {
			return Envelope{}, fmt.Errorf("invite envelope without invitation")
		}
	case KindChat:
		if env.Chat == nil {
			return Envelope{}, fmt.Errorf("chat envelope without message")
		}
	default:
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return env, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
