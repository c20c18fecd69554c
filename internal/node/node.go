package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

const (
	discoveryInterval = 30 * time.Second
	bootstrapTimeout  = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// Node is a libp2p host with GossipSub, used to broadcast swap messages on
// per-swap topics.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *Config
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	peers PeerStore

	topics   map[string]*pubsub.Topic
	topicsMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu sync.RWMutex
}

// New creates a node; call Start to connect to the network.
func New(ctx context.Context, cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
		topics: make(map[string]*pubsub.Topic),
	}
	if err := n.init(ctx); err != nil {
		if n.host != nil {
			n.host.Close()
		}
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init(ctx context.Context) error {
	opts, err := n.hostOptions()
	if err != nil {
		return err
	}
	if n.host, err = libp2p.New(opts...); err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}

	n.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			go n.rememberPeer(conn.RemotePeer(), false)
		},
	})

	if n.config.Network.EnableDHT {
		if err := n.initDHT(ctx); err != nil {
			return fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
		pubsub.WithMaxMessageSize(maxSwapMessageSize),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if n.config.Network.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(n.host, n.config.DiscoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS initialization failed", "error", err)
			n.mdnsService = nil
		}
	}
	return nil
}

// hostOptions builds the libp2p options from the network config.
func (n *Node) hostOptions() ([]libp2p.Option, error) {
	privKey, err := n.identityKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}

	netCfg := n.config.Network
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(netCfg.ListenAddrs))
	for _, addr := range netCfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		netCfg.ConnMgr.LowWater,
		netCfg.ConnMgr.HighWater,
		connmgr.WithGracePeriod(netCfg.ConnMgr.GracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if netCfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if netCfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if netCfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	return opts, nil
}

// identityKey loads the node key from the data directory, generating it on
// first run. The libp2p identity is unrelated to the wallet keys that sign
// swap messages.
func (n *Node) identityKey() (crypto.PrivKey, error) {
	keyPath := n.config.Identity.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(expandPath(n.config.Storage.DataDir), keyPath)
	}

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		return crypto.UnmarshalPrivateKey(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	if data, err = crypto.MarshalPrivateKey(privKey); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	n.log.Info("Generated new node identity", "path", keyPath)
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go n.dial(pi, dialTimeout, false)
}

// dial connects to a peer. Bootstrap peers are persisted as such once
// connected.
func (n *Node) dial(pi peer.AddrInfo, timeout time.Duration, bootstrap bool) {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()

	if err := n.host.Connect(ctx, pi); err != nil {
		if bootstrap {
			n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
		} else {
			n.log.Debug("Failed to connect to peer", "peer", shortID(pi.ID), "error", err)
		}
		return
	}
	if bootstrap {
		n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
		n.rememberPeer(pi.ID, true)
	}
}

// Start restores persisted peers, dials the bootstrap peers and starts DHT
// discovery.
func (n *Node) Start() error {
	n.mu.Lock()
	n.startTime = time.Now()
	n.mu.Unlock()

	if err := n.restorePeers(); err != nil {
		n.log.Warn("Failed to load persisted peers", "error", err)
	}

	for _, addr := range n.config.Network.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warn("Invalid bootstrap address", "addr", addr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("Invalid bootstrap peer info", "addr", addr, "error", err)
			continue
		}
		go n.dial(*pi, bootstrapTimeout, true)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}
	return nil
}

// discoverPeers dials the peers advertising the network namespace.
func (n *Node) discoverPeers() {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		if err != nil {
			n.log.Debug("Peer discovery failed", "error", err)
			continue
		}
		for _, pi := range peers {
			if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
				continue
			}
			go n.dial(pi, dialTimeout, false)
		}
	}
}

// Stop persists the known peers and shuts the node down.
func (n *Node) Stop() error {
	if err := n.SavePeerCache(); err != nil {
		n.log.Warn("Failed to save peer cache", "error", err)
	}

	n.cancel()
	n.closeTopics()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.startTime.IsZero() {
		return 0
	}
	return time.Since(n.startTime)
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
