package group

import "fmt"

// grp is one bucket-chain node: a group id and its member set.
type grp struct {
	gid     uint64
	members *CidSet
	next    *grp
}

// Groups maps group id to member set. Chained buckets outside, probe set
// inside. Groups are never destroyed.
type Groups struct {
	buckets []*grp
}

// New creates a registry with the given bucket count, which must be a power
// of two.
func New(buckets int) (*Groups, error) {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("group: bucket count must be a power of two, got %d", buckets)
	}
	return &Groups{buckets: make([]*grp, buckets)}, nil
}

func (g *Groups) find(gid uint64) *grp {
	for node := g.buckets[gid&uint64(len(g.buckets)-1)]; node != nil; node = node.next {
		if node.gid == gid {
			return node
		}
	}
	return nil
}

// Insert adds cid to the group gid, creating the group if needed.
func (g *Groups) Insert(gid, cid uint64) error {
	node := g.find(gid)
	if node == nil {
		i := gid & uint64(len(g.buckets)-1)
		node = &grp{gid: gid, members: NewCidSet(), next: g.buckets[i]}
		g.buckets[i] = node
	}
	return node.members.Insert(cid)
}

// Members returns the size of the group, or 0 if it does not exist.
func (g *Groups) Members(gid uint64) int {
	if node := g.find(gid); node != nil {
		return node.members.Len()
	}
	return 0
}

// Iter returns a batch iterator over the members of gid. The second return
// is false if the group does not exist.
func (g *Groups) Iter(gid uint64) (Iter, bool) {
	node := g.find(gid)
	if node == nil {
		return Iter{}, false
	}
	return node.members.Iter(), true
}
