// Package cluster handles the distributed logic of a cache node: consistent
// hashing, peer membership and the key movement plan after membership
// changes.
package cluster

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// KeyIndex maps a key to its position in [0, 1) on the distribution rings.
func KeyIndex(key string) float64 {
	return hashIndex(key)
}

// hashIndex turns the MD5 digest of s into a float in [0, 1). The top 53
// bits of the digest are used so the integer is exactly representable as a
// float64 and the division can never round up to 1.0.
func hashIndex(s string) float64 {
	sum := md5.Sum([]byte(s))
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// pointIndex is the ring position of one virtual replica of a node.
func pointIndex(nodeID string, ring, replica int) float64 {
	return hashIndex(fmt.Sprintf("%s_%d_%d", nodeID, ring, replica))
}

// point is one virtual replica on a ring.
type point struct {
	index  float64
	nodeID string
}

// HashRing places every known node (the local one included) on up to
// `redundancy` parallel rings. A key lives on one node per active ring: the
// node owning the first point at or after the key's index, wrapping past the
// end. Keeping a separate ring per redundancy class means a membership
// change shifts each replica independently.
//
// The number of active rings is min(redundancy, number of known nodes), so a
// lone node starts with a single ring and the cluster grows into its full
// redundancy.
//
// Not safe for concurrent use; the event loop is the only caller.
type HashRing struct {
	redundancy int
	replicas   int
	nodes      map[string]bool
	rings      [][]point // each sorted by index
}

// NewHashRing creates an empty ring set with the given redundancy and
// virtual replica count.
func NewHashRing(redundancy, replicas int) *HashRing {
	return &HashRing{
		redundancy: redundancy,
		replicas:   replicas,
		nodes:      make(map[string]bool),
	}
}

// AddNode places the node on every active ring. If the new node count
// allows another redundancy ring, that ring is built from scratch with all
// known nodes on it.
func (r *HashRing) AddNode(nodeID string) {
	if r.nodes[nodeID] {
		return
	}
	r.nodes[nodeID] = true

	for ring := range r.rings {
		r.rings[ring] = sortPoints(append(r.rings[ring], r.pointsFor(nodeID, ring)...))
	}
	// One more node may unlock one more ring.
	for len(r.rings) < r.activeRings() {
		ring := len(r.rings)
		var points []point
		for id := range r.nodes {
			points = append(points, r.pointsFor(id, ring)...)
		}
		r.rings = append(r.rings, sortPoints(points))
	}
}

// RemoveNode filters the node's points out of every ring and drops rings
// the shrunken cluster no longer supports.
func (r *HashRing) RemoveNode(nodeID string) {
	if !r.nodes[nodeID] {
		return
	}
	delete(r.nodes, nodeID)

	for ring, points := range r.rings {
		kept := points[:0]
		for _, p := range points {
			if p.nodeID != nodeID {
				kept = append(kept, p)
			}
		}
		r.rings[ring] = kept
	}
	for len(r.rings) > r.activeRings() {
		r.rings = r.rings[:len(r.rings)-1]
	}
}

// Owners returns the set of nodes responsible for the given index, one per
// active ring. The set can be smaller than the ring count when two rings
// elect the same node.
func (r *HashRing) Owners(index float64) map[string]bool {
	owners := make(map[string]bool, len(r.rings))
	for _, ring := range r.rings {
		if id, ok := ringOwner(ring, index); ok {
			owners[id] = true
		}
	}
	return owners
}

// OwnersForKey returns Owners at the key's hash index.
func (r *HashRing) OwnersForKey(key string) map[string]bool {
	return r.Owners(KeyIndex(key))
}

// ringOwner picks the first point at or after index, wrapping to the first
// point when the index is past the last one.
func ringOwner(ring []point, index float64) (string, bool) {
	if len(ring) == 0 {
		return "", false
	}
	i := sort.Search(len(ring), func(j int) bool {
		return ring[j].index >= index
	})
	if i == len(ring) {
		i = 0 // wrap
	}
	return ring[i].nodeID, true
}

// Clone returns a deep copy, used to reconstruct the ring state before a
// membership change.
func (r *HashRing) Clone() *HashRing {
	c := &HashRing{
		redundancy: r.redundancy,
		replicas:   r.replicas,
		nodes:      make(map[string]bool, len(r.nodes)),
		rings:      make([][]point, len(r.rings)),
	}
	for id := range r.nodes {
		c.nodes[id] = true
	}
	for i, ring := range r.rings {
		c.rings[i] = append([]point(nil), ring...)
	}
	return c
}

// NodeCount returns the number of known nodes, the local one included.
func (r *HashRing) NodeCount() int {
	return len(r.nodes)
}

// ActiveRings returns the number of rings currently in use.
func (r *HashRing) ActiveRings() int {
	return len(r.rings)
}

// String renders the ring contents for diagnostics.
func (r *HashRing) String() string {
	var b strings.Builder
	for i, ring := range r.rings {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "ring%d[", i)
		for j, p := range ring {
			if j > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%.4f:%s", p.index, p.nodeID)
		}
		b.WriteString("]")
	}
	return b.String()
}

func (r *HashRing) activeRings() int {
	if len(r.nodes) < r.redundancy {
		return len(r.nodes)
	}
	return r.redundancy
}

func (r *HashRing) pointsFor(nodeID string, ring int) []point {
	points := make([]point, 0, r.replicas)
	for j := 0; j < r.replicas; j++ {
		points = append(points, point{pointIndex(nodeID, ring, j), nodeID})
	}
	return points
}

func sortPoints(points []point) []point {
	sort.Slice(points, func(i, j int) bool {
		if points[i].index != points[j].index {
			return points[i].index < points[j].index
		}
		return points[i].nodeID < points[j].nodeID
	})
	return points
}
