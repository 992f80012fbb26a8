// Package transport carries protocol packets between nodes over libp2p.
// Broadcasts ride a gossipsub topic; unicast replies use direct streams to
// the peer last seen serving the target trader address, falling back to
// the broadcast topic when no mapping is known. Stream security and peer
// authentication come from libp2p itself.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	corep "github.com/libp2p/go-libp2p/core/protocol"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/crosshub-exchange/crosshub/internal/config"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

const (
	// PacketTopic carries all broadcast protocol packets.
	PacketTopic = "/crosshub/packets/1.0.0"

	// DirectProtocol is the stream protocol for unicast packets.
	DirectProtocol corep.ID = "/crosshub/direct/1.0.0"

	// maxPacketSize bounds a single wire packet.
	maxPacketSize = 1 << 20

	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// Deliverer receives inbound packets and resolves trader addresses to
// transport peers. The registry implements it.
type Deliverer interface {
	OnMessageReceived(data []byte, peerID string) error
	OnBroadcastReceived(data []byte, peerID string) error
	PeerForAddress(addr protocol.Address) (string, bool)
}

// Transport is the libp2p packet carrier. It implements session.Sender.
type Transport struct {
	cfg *config.TransportConfig
	log *logging.Logger

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	deliver Deliverer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the libp2p host and joins the packet topic. The node key is
// persisted under dataDir so the peer id survives restarts.
func New(ctx context.Context, cfg *config.TransportConfig, dataDir string, deliver Deliverer, log *logging.Logger) (*Transport, error) {
	ctx, cancel := context.WithCancel(ctx)

	t := &Transport{
		cfg:     cfg,
		log:     log.Component("transport"),
		deliver: deliver,
		ctx:     ctx,
		cancel:  cancel,
	}

	privKey, err := loadOrCreateKey(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(32, 256, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	t.host = h

	t.ps, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	t.topic, err = t.ps.Join(PacketTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("join topic: %w", err)
	}
	t.sub, err = t.topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	h.SetStreamHandler(DirectProtocol, t.handleStream)

	return t, nil
}

// loadOrCreateKey loads the persisted transport identity or generates one.
func loadOrCreateKey(dataDir string) (crypto.PrivKey, error) {
	keyPath := filepath.Join(config.ExpandPath(dataDir), "transport.key")
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	return privKey, nil
}

// Start connects the static peers and begins draining the topic.
func (t *Transport) Start() {
	for _, addrStr := range t.cfg.Peers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			t.log.Warn("invalid peer address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			t.log.Warn("invalid peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
			defer cancel()
			if err := t.host.Connect(ctx, pi); err != nil {
				t.log.Warn("peer connect failed", "peer", shortID(pi.ID), "error", err)
			} else {
				t.log.Info("peer connected", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	t.wg.Add(1)
	go t.readLoop()

	t.log.Info("transport started", "peerid", shortID(t.host.ID()),
		"listen", t.cfg.ListenAddrs)
}

// Stop closes the host and waits for the read loop.
func (t *Transport) Stop() error {
	t.cancel()
	t.sub.Cancel()
	err := t.host.Close()
	t.wg.Wait()
	return err
}

// ID returns the transport peer id.
func (t *Transport) ID() peer.ID { return t.host.ID() }

// PeerCount returns the number of connected peers.
func (t *Transport) PeerCount() int { return len(t.host.Network().Peers()) }

// readLoop drains the packet topic into the deliverer.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		if len(msg.Data) > maxPacketSize {
			continue
		}
		if err := t.deliver.OnBroadcastReceived(msg.Data, msg.ReceivedFrom.String()); err != nil {
			t.log.Debug("broadcast dropped", "peer", shortID(msg.ReceivedFrom), "error", err)
		}
	}
}

// handleStream reads unicast packets off a direct stream.
func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	for {
		data, err := readLengthPrefixed(s, maxPacketSize)
		if err != nil {
			return
		}
		if err := t.deliver.OnMessageReceived(data, remote.String()); err != nil {
			t.log.Debug("packet dropped", "peer", shortID(remote), "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// session.Sender

// Broadcast floods a packet on the gossip topic.
func (t *Transport) Broadcast(pkt *protocol.Packet) error {
	return t.topic.Publish(t.ctx, pkt.Marshal())
}

// SendTo delivers a packet to the node serving addr. Without a known peer
// mapping the packet falls back to the broadcast topic; every packet is
// signed and self-addressed, so extra listeners learn nothing actionable.
func (t *Transport) SendTo(addr protocol.Address, pkt *protocol.Packet) error {
	peerStr, ok := t.deliver.PeerForAddress(addr)
	if !ok {
		return t.Broadcast(pkt)
	}
	pid, err := peer.Decode(peerStr)
	if err != nil {
		return t.Broadcast(pkt)
	}

	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()

	s, err := t.host.NewStream(ctx, pid, DirectProtocol)
	if err != nil {
		t.log.Debug("direct stream failed, broadcasting", "peer", shortID(pid), "error", err)
		return t.Broadcast(pkt)
	}
	defer s.Close()

	s.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeLengthPrefixed(s, pkt.Marshal())
}

// shortID returns a truncated peer id for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
