package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/voxlink/internal/proto"
	"github.com/petervdpas/voxlink/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// PubSubOptions configures the serverless signaling node.
type PubSubOptions struct {
	ListenPort  int
	KeyFile     string
	MdnsTag     string
	StaticPeers []string
}

// PubSubNode is a gossipsub-backed Signaler. One node joins exactly one
// session topic; the topic name is derived from the game ID, so both
// participants land on the same mesh without coordination.
type PubSubNode struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	topicName string
	self      string
	hub       *hub

	cancel    context.CancelFunc
	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// NewPubSubNode starts a libp2p host, joins the session topic and begins
// delivering remote messages to subscribers.
func NewPubSubNode(ctx context.Context, topicName, selfID string, opt PubSubOptions) (*PubSubNode, error) {
	priv, isNew, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("SIGNAL: generated new identity key: %s", opt.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS so two peers on the same network form a mesh
	// without any infrastructure.
	md := mdns.NewMdnsService(h, opt.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	// Dial any statically configured peers (cross-LAN setups).
	for _, raw := range opt.StaticPeers {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Printf("SIGNAL: bad static peer %q: %v", raw, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("SIGNAL: bad static peer %q: %v", raw, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		if err := h.Connect(dialCtx, *pi); err != nil {
			log.Printf("SIGNAL: static peer %s unreachable: %v", pi.ID, err)
		}
		cancel()
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
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

	loopCtx, cancel := context.WithCancel(ctx)
	n := &PubSubNode{
		host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		topicName: topicName,
		self:      selfID,
		hub:       newHub(),
		cancel:    cancel,
	}
	go n.readLoop(loopCtx)

	log.Printf("SIGNAL: pubsub node %s joined %s", h.ID(), topicName)
	return n, nil
}

func (n *PubSubNode) readLoop(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return // context canceled or subscription closed
		}
		// Gossipsub delivers locally published messages to local subscribers;
		// skip them so a peer never consumes its own offers and candidates.
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		sm, err := proto.Decode(msg.Data)
		if err != nil {
			log.Printf("SIGNAL: dropping malformed message on %s: %v", n.topicName, err)
			continue
		}
		n.hub.publish(&proto.Envelope{Topic: n.topicName, Msg: sm})
	}
}

func (n *PubSubNode) Send(msg *proto.SignalMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSendTimeout)
	defer cancel()
	return n.topic.Publish(ctx, data)
}

func (n *PubSubNode) Subscribe() (<-chan *proto.Envelope, func()) {
	ch, cancel := n.hub.subscribe()
	return ch, cancel
}

func (n *PubSubNode) Self() string { return n.self }

// HostID returns the libp2p peer ID, for logging and static-peer setups.
func (n *PubSubNode) HostID() string { return n.host.ID().String() }

// Addrs returns the host's listen multiaddrs, for the startup banner.
func (n *PubSubNode) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

func (n *PubSubNode) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.sub.Cancel()
		_ = n.topic.Close()
		n.hub.close()
		err = n.host.Close()
	})
	return err
}
