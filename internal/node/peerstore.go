package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/swapd/internal/storage"
)

// Peers seen within peerRetention are redialed on startup, at most
// maxRestoredPeers of them.
const (
	peerRetention    = 7 * 24 * time.Hour
	maxRestoredPeers = 100
)

// PeerStore persists known peers so a restarted node can rejoin the swap
// topics without waiting for discovery. *storage.Storage implements it.
type PeerStore interface {
	SavePeer(peer *storage.PeerRecord) error
	UpdatePeerConnected(peerID string) error
	ListRecentPeers(since time.Duration, limit int) ([]*storage.PeerRecord, error)
}

// SetPeerStore enables peer persistence.
func (n *Node) SetPeerStore(store PeerStore) {
	n.mu.Lock()
	n.peers = store
	n.mu.Unlock()
}

func (n *Node) peerStore() PeerStore {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers
}

// restorePeers adds the recently seen peers to the libp2p peerstore.
func (n *Node) restorePeers() error {
	store := n.peerStore()
	if store == nil {
		return nil
	}

	records, err := store.ListRecentPeers(peerRetention, maxRestoredPeers)
	if err != nil {
		return err
	}

	restored := 0
	for _, rec := range records {
		id, err := peer.Decode(rec.PeerID)
		if err != nil {
			n.log.Debug("Invalid peer ID in storage", "peer", rec.PeerID, "error", err)
			continue
		}
		if id == n.host.ID() {
			continue
		}
		if addrs := parseAddrs(rec.Addresses); len(addrs) > 0 {
			n.host.Peerstore().AddAddrs(id, addrs, peerstore.TempAddrTTL)
			restored++
		}
	}

	if restored > 0 {
		n.log.Info("Restored persisted peers", "count", restored)
	}
	return nil
}

func parseAddrs(raw []string) []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if ma, err := multiaddr.NewMultiaddr(s); err == nil {
			addrs = append(addrs, ma)
		}
	}
	return addrs
}

func (n *Node) savePeer(store PeerStore, id peer.ID, bootstrap bool) bool {
	addrs := n.host.Peerstore().Addrs(id)
	if len(addrs) == 0 {
		return false
	}
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}

	now := time.Now()
	err := store.SavePeer(&storage.PeerRecord{
		PeerID:      id.String(),
		Addresses:   strs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: bootstrap,
	})
	if err != nil {
		n.log.Debug("Failed to save peer", "peer", shortID(id), "error", err)
		return false
	}
	return true
}

// rememberPeer records a connected peer.
func (n *Node) rememberPeer(id peer.ID, bootstrap bool) {
	store := n.peerStore()
	if store == nil || !n.savePeer(store, id, bootstrap) {
		return
	}
	if err := store.UpdatePeerConnected(id.String()); err != nil {
		n.log.Debug("Failed to update peer", "peer", shortID(id), "error", err)
	}
}

// SavePeerCache writes every peer in the libp2p peerstore to storage.
func (n *Node) SavePeerCache() error {
	store := n.peerStore()
	if store == nil {
		return nil
	}

	saved := 0
	for _, id := range n.host.Peerstore().Peers() {
		if id != n.host.ID() && n.savePeer(store, id, false) {
			saved++
		}
	}
	if saved > 0 {
		n.log.Info("Saved peer cache", "count", saved)
	}
	return nil
}
