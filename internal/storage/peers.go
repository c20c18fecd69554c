package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PeerRecord is a known libp2p peer.
type PeerRecord struct {
	PeerID          string
	Addresses       []string
	FirstSeen       time.Time
	LastSeen        time.Time
	LastConnected   time.Time
	ConnectionCount int
	IsBootstrap     bool
}

const peerColumns = "peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap"

// SavePeer saves or updates a peer record.
func (s *Storage) SavePeer(peer *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(peer.Addresses)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			last_connected = CASE WHEN excluded.last_connected > 0 THEN excluded.last_connected ELSE peers.last_connected END,
			is_bootstrap = CASE WHEN excluded.is_bootstrap THEN 1 ELSE peers.is_bootstrap END
	`,
		peer.PeerID,
		string(addrsJSON),
		peer.FirstSeen.Unix(),
		peer.LastSeen.Unix(),
		timeToUnixOrZero(peer.LastConnected),
		peer.ConnectionCount,
		boolToInt(peer.IsBootstrap),
	)
	return err
}

// GetPeer returns a peer record, or nil if the peer is unknown.
func (s *Storage) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, err := scanPeerRecord(s.db.QueryRow("SELECT "+peerColumns+" FROM peers WHERE peer_id = ?", peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return peer, err
}

// ListRecentPeers returns peers seen within since, best connected first.
// A zero since returns all peers.
func (s *Storage) ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff int64
	if since > 0 {
		cutoff = time.Now().Add(-since).Unix()
	}

	query := "SELECT " + peerColumns + " FROM peers WHERE last_seen > ? ORDER BY connection_count DESC, last_seen DESC"
	args := []interface{}{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		peer, err := scanPeerRecord(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// UpdatePeerConnected records a successful connection.
func (s *Storage) UpdatePeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		"UPDATE peers SET last_connected = ?, last_seen = ?, connection_count = connection_count + 1 WHERE peer_id = ?",
		now, now, peerID,
	)
	return err
}

// PeerCount returns the number of known peers.
func (s *Storage) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM peers").Scan(&count)
	return count, err
}

func scanPeerRecord(row rowScanner) (*PeerRecord, error) {
	var peer PeerRecord
	var addrsJSON string
	var firstSeen, lastSeen, lastConnected int64
	var isBootstrap int

	err := row.Scan(
		&peer.PeerID,
		&addrsJSON,
		&firstSeen,
		&lastSeen,
		&lastConnected,
		&peer.ConnectionCount,
		&isBootstrap,
	)
	if err != nil {
		return nil, err
	}

	if addrsJSON != "" {
		if err := json.Unmarshal([]byte(addrsJSON), &peer.Addresses); err != nil {
			return nil, err
		}
	}
	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	peer.LastConnected = unixOrZeroToTime(lastConnected)
	peer.IsBootstrap = isBootstrap == 1

	return &peer, nil
}
