package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/merry-bits/DCache/internal/protocol"
)

// Peer is one known remote node.
type Peer struct {
	ID         string
	ReqAddress string
	PubAddress string
	LastSeen   time.Time
}

// Membership tracks the peers of the local node and keeps the distribution
// rings in sync with the peer table. The local node is on the rings but
// never in the peer table. Peers arrive through publications or the connect
// handshake and leave when they stay silent for longer than the timeout.
//
// Membership owns no sockets; the server keeps its socket arena keyed by
// the node IDs recorded here. Not safe for concurrent use.
type Membership struct {
	self    Peer
	peers   map[string]*Peer
	ring    *HashRing
	timeout time.Duration
}

// NewMembership records the local node and puts it on the rings.
func NewMembership(self Peer, ring *HashRing, timeout time.Duration) *Membership {
	ring.AddNode(self.ID)
	return &Membership{
		self:    self,
		peers:   make(map[string]*Peer),
		ring:    ring,
		timeout: timeout,
	}
}

// Self returns the local node's identity and endpoints.
func (m *Membership) Self() Peer {
	return m.self
}

// Ring exposes the distribution rings for key routing.
func (m *Membership) Ring() *HashRing {
	return m.ring
}

// Has reports whether the ID names a known node, the local one included.
func (m *Membership) Has(nodeID string) bool {
	if nodeID == m.self.ID {
		return true
	}
	_, ok := m.peers[nodeID]
	return ok
}

// Peer looks up one peer by ID.
func (m *Membership) Peer(nodeID string) (Peer, bool) {
	peer, ok := m.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// Peers returns all current peers, sorted by ID.
func (m *Membership) Peers() []Peer {
	peers := make([]Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// PeerIDs returns the IDs of all current peers, sorted.
func (m *Membership) PeerIDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns the peer table in wire form, for publishing.
func (m *Membership) Records() []protocol.NodeRecord {
	peers := m.Peers()
	records := make([]protocol.NodeRecord, 0, len(peers))
	for _, peer := range peers {
		records = append(records, protocol.NodeRecord{
			ID:         peer.ID,
			ReqAddress: peer.ReqAddress,
			PubAddress: peer.PubAddress,
			LastSeen:   peer.LastSeen,
		})
	}
	return records
}

// SelfRecord returns the local node in wire form.
func (m *Membership) SelfRecord() protocol.NodeRecord {
	return protocol.NodeRecord{
		ID:         m.self.ID,
		ReqAddress: m.self.ReqAddress,
		PubAddress: m.self.PubAddress,
	}
}

// AddPeer registers a new peer and puts it on the rings. It refuses IDs
// that are already taken and endpoints that are already in use: a reused
// endpoint under a fresh ID is assumed to be the same node reborn, which
// has to wait until its old entry ages out.
func (m *Membership) AddPeer(peer Peer) error {
	if m.Has(peer.ID) {
		return fmt.Errorf("node ID %s already taken", peer.ID)
	}
	if m.addressInUse(peer.ReqAddress, peer.PubAddress) {
		return fmt.Errorf("endpoints of node %s already in use", peer.ID)
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now().UTC()
	}
	m.peers[peer.ID] = &peer
	m.ring.AddNode(peer.ID)
	return nil
}

// Update merges a received membership table. Entries about the local node
// are skipped, known peers only ever move their last-seen forward, new
// peers with unused endpoints are added and returned so the caller can
// allocate their sockets.
func (m *Membership) Update(records []protocol.NodeRecord) []Peer {
	var added []Peer
	for _, record := range records {
		if record.ID == m.self.ID {
			continue
		}
		if known, ok := m.peers[record.ID]; ok {
			if record.LastSeen.After(known.LastSeen) {
				known.LastSeen = record.LastSeen
			}
			continue
		}
		peer := Peer{
			ID:         record.ID,
			ReqAddress: record.ReqAddress,
			PubAddress: record.PubAddress,
			LastSeen:   record.LastSeen,
		}
		if err := m.AddPeer(peer); err != nil {
			continue // reused endpoint, drop quietly
		}
		added = append(added, peer)
	}
	return added
}

// RemovePeer drops one peer from the table and the rings regardless of its
// last-seen time. Used to roll back a registration whose sockets could not
// be allocated; unknown IDs are a no-op.
func (m *Membership) RemovePeer(nodeID string) {
	if _, ok := m.peers[nodeID]; !ok {
		return
	}
	delete(m.peers, nodeID)
	m.ring.RemoveNode(nodeID)
}

// SweepDead removes every peer that has been silent for longer than the
// timeout, from the table and from the rings, and returns them so the
// caller can close their sockets.
func (m *Membership) SweepDead(now time.Time) []Peer {
	var removed []Peer
	for id, peer := range m.peers {
		if now.Sub(peer.LastSeen) > m.timeout {
			removed = append(removed, *peer)
			delete(m.peers, id)
			m.ring.RemoveNode(id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

func (m *Membership) addressInUse(reqAddress, pubAddress string) bool {
	taken := func(peer Peer) bool {
		return peer.ReqAddress == reqAddress || peer.ReqAddress == pubAddress ||
			peer.PubAddress == reqAddress || peer.PubAddress == pubAddress
	}
	if taken(m.self) {
		return true
	}
	for _, peer := range m.peers {
		if taken(*peer) {
			return true
		}
	}
	return false
}
