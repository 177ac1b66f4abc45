package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/nearbychat/nearby/internal/util"
	"github.com/nearbychat/nearby/internal/wire"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// LibP2P is the production Adapter: mDNS for LAN discovery, gossipsub for
// presence, and two stream protocols for invitations and session payloads.
// Handles are libp2p peer IDs rendered as strings.
type LibP2P struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	presenceTTL time.Duration

	mu          sync.Mutex
	metadata    []byte
	advertising bool
	lastSeen    map[peer.ID]time.Time
	closed      bool

	events chan Event
	cancel context.CancelFunc
}

var _ Adapter = (*LibP2P)(nil)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// Options for the libp2p adapter.
type LibP2POptions struct {
	Key         crypto.PrivKey
	ListenPort  int
	MdnsTag     string
	Topic       string
	PresenceTTL time.Duration
}

// NewLibP2P builds the host, joins the presence topic and registers the
// invite and data stream handlers. Scanning and advertising stay off until
// the Start calls.
func NewLibP2P(ctx context.Context, opt LibP2POptions) (*LibP2P, error) {
	h, err := libp2p.New(
		libp2p.Identity(opt.Key),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	tag := opt.MdnsTag
	if tag == "" {
		tag = wire.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topicName := opt.Topic
	if topicName == "" {
		topicName = wire.PresenceTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ttl := opt.PresenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a := &LibP2P{
		host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		mdns:        md,
		presenceTTL: ttl,
		lastSeen:    make(map[peer.ID]time.Time),
		events:      make(chan Event, 256),
		cancel:      cancel,
	}

	h.SetStreamHandler(protocol.ID(wire.InviteProtoID), a.handleInviteStream)
	h.SetStreamHandler(protocol.ID(wire.DataProtoID), a.handleDataStream)
	h.Network().Notify(&linkNotifee{a: a})

	go a.presenceLoop(loopCtx)
	go a.expiryLoop(loopCtx)

	log.Printf("P2P: host %s listening on port %d", h.ID(), opt.ListenPort)
	return a, nil
}

// ID returns the host's peer ID, which is this node's handle as seen by
// remote peers.
func (a *LibP2P) ID() string { return a.host.ID().String() }

// Addrs returns the host's multiaddresses minus loopback and link-local,
// suitable for embedding in the advertised presence blob.
func (a *LibP2P) Addrs() []string {
	var out []string
	for _, addr := range a.host.Addrs() {
		ip, err := manet.ToIP(addr)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, addr.String())
	}
	return out
}

func (a *LibP2P) deliver(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		log.Printf("P2P: event buffer full, dropping %s for %s", ev.Type, ev.Handle)
	}
}

func (a *LibP2P) StartAdvertising(ctx context.Context, metadata []byte) error {
	a.mu.Lock()
	a.metadata = append([]byte(nil), metadata...)
	a.advertising = true
	a.mu.Unlock()
	return a.topic.Publish(ctx, metadata)
}

// StopAdvertising republishes the last blob with its type flipped to
// offline so remote peers drop us immediately instead of waiting out the
// TTL.
func (a *LibP2P) StopAdvertising(ctx context.Context) {
	a.mu.Lock()
	meta := a.metadata
	a.advertising = false
	a.mu.Unlock()
	if meta == nil {
		return
	}
	pm, err := wire.ParsePresence(meta)
	if err != nil {
		return
	}
	pm.Type = wire.TypeOffline
	pm.TS = wire.NowMillis()
	b, _ := json.Marshal(pm)
	_ = a.topic.Publish(ctx, b)
}

func (a *LibP2P) StartScanning(context.Context) error {
	// The presence loop runs from construction; scanning is implicit in
	// gossipsub membership. Nothing extra to arm.
	return nil
}

// presenceLoop consumes the gossip topic and turns presence blobs into
// found/lost events keyed by the publishing peer.
func (a *LibP2P) presenceLoop(ctx context.Context) {
	for {
		m, err := a.sub.Next(ctx)
		if err != nil {
			return
		}
		from := m.GetFrom()
		if from == a.host.ID() {
			continue
		}
		pm, err := wire.ParsePresence(m.Data)
		if err != nil || pm.Type == "" {
			continue
		}

		switch pm.Type {
		case wire.TypeOnline, wire.TypeUpdate:
			a.addPeerAddrs(from, pm.Addrs)
			a.mu.Lock()
			a.lastSeen[from] = time.Now()
			a.mu.Unlock()
			a.deliver(Event{Type: EvtPeerFound, Handle: Handle(from.String()), Metadata: m.Data})
		case wire.TypeOffline:
			a.mu.Lock()
			delete(a.lastSeen, from)
			a.mu.Unlock()
			a.deliver(Event{Type: EvtPeerLost, Handle: Handle(from.String())})
		}
	}
}

// expiryLoop synthesizes lost events for peers whose heartbeats stop
// arriving. A crashed process never says offline; this is how it vanishes.
func (a *LibP2P) expiryLoop(ctx context.Context) {
	t := time.NewTicker(a.presenceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-a.presenceTTL)
			var expired []peer.ID
			a.mu.Lock()
			for pid, seen := range a.lastSeen {
				if seen.Before(cutoff) {
					expired = append(expired, pid)
					delete(a.lastSeen, pid)
				}
			}
			a.mu.Unlock()
			for _, pid := range expired {
				log.Printf("P2P: presence expired for %s", pid)
				a.deliver(Event{Type: EvtPeerLost, Handle: Handle(pid.String())})
			}
		}
	}
}

func (a *LibP2P) addPeerAddrs(pid peer.ID, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(addr); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		parsed = append(parsed, addr)
	}
	if len(parsed) > 0 {
		a.host.Peerstore().AddAddrs(pid, parsed, a.presenceTTL)
	}
}

// Invite opens an invite stream, sends the room context as one JSON line and
// waits up to timeout for the reply line. A deadline expiry is reported as
// accepted=false with a nil error.
func (a *LibP2P) Invite(ctx context.Context, h Handle, invCtx []byte, timeout time.Duration) (bool, error) {
	pid, err := peer.Decode(string(h))
	if err != nil {
		return false, fmt.Errorf("invite: bad handle %s: %w", h, err)
	}

	// Best effort connect (mDNS usually already connected).
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	_ = a.host.Connect(cctx, peer.AddrInfo{ID: pid})
	cancel()

	s, err := a.host.NewStream(ctx, pid, protocol.ID(wire.InviteProtoID))
	if err != nil {
		return false, fmt.Errorf("invite: open stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(timeout))

	if _, err := s.Write(append(invCtx, '\n')); err != nil {
		return false, fmt.Errorf("invite: send context: %w", err)
	}

	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, fmt.Errorf("invite: read reply: %w", err)
	}
	var reply wire.InviteReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &reply); err != nil {
		return false, fmt.Errorf("invite: decode reply: %w", err)
	}
	return reply.Accept, nil
}

// handleInviteStream is the remote side of Invite. The stream stays open
// until the consumer answers through Respond.
func (a *LibP2P) handleInviteStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		_ = s.Reset()
		return
	}

	var once sync.Once
	a.deliver(Event{
		Type:    EvtInvitation,
		Handle:  Handle(remote.String()),
		Context: []byte(strings.TrimSpace(line)),
		Respond: func(accept bool) {
			once.Do(func() {
				b, _ := json.Marshal(wire.InviteReply{Accept: accept})
				_, _ = s.Write(append(b, '\n'))
				_ = s.Close()
			})
		},
	})
}

// Send opens a one-shot data stream per payload, matching the invite
// framing: one JSON line, then close.
func (a *LibP2P) Send(h Handle, b []byte, _ bool) error {
	pid, err := peer.Decode(string(h))
	if err != nil {
		return fmt.Errorf("send: bad handle %s: %w", h, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := a.host.NewStream(ctx, pid, protocol.ID(wire.DataProtoID))
	if err != nil {
		return fmt.Errorf("send: open stream: %w", err)
	}
	defer s.Close()
	if _, err := s.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("send: write: %w", err)
	}
	return nil
}

func (a *LibP2P) handleDataStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		return
	}
	a.deliver(Event{
		Type:   EvtData,
		Handle: Handle(remote.String()),
		Bytes:  []byte(strings.TrimSpace(line)),
	})
}

func (a *LibP2P) CloseLink(h Handle) {
	pid, err := peer.Decode(string(h))
	if err != nil {
		return
	}
	_ = a.host.Network().ClosePeer(pid)
}

func (a *LibP2P) Events() <-chan Event { return a.events }

func (a *LibP2P) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.sub.Cancel()
	if a.mdns != nil {
		_ = a.mdns.Close()
	}
	// a.events is never closed: stream handlers run on libp2p's goroutines
	// and may be past deliver's closed check when Close lands. The closed
	// flag drops late deliveries; consumers stop via their own context.
	return a.host.Close()
}

// linkNotifee forwards libp2p connection state into the event stream.
type linkNotifee struct {
	a *LibP2P
}

func (n *linkNotifee) Connected(_ network.Network, c network.Conn) {
	n.a.deliver(Event{Type: EvtLinkChanged, Handle: Handle(c.RemotePeer().String()), Connected: true})
}

func (n *linkNotifee) Disconnected(_ network.Network, c network.Conn) {
	n.a.deliver(Event{Type: EvtLinkChanged, Handle: Handle(c.RemotePeer().String()), Connected: false})
}

func (n *linkNotifee) Listen(network.Network, ma.Multiaddr)      {}
func (n *linkNotifee) ListenClose(network.Network, ma.Multiaddr) {}
