// Package client maintains the registry of connected clients.
package client

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const freeInitialCap = 64

// Info is the per-connection record. Addr and AddrLen are the raw sockaddr
// storage handed to the kernel at accept time, so the record must not move
// while an accept is in flight; records are heap-allocated individually and
// recycled through the free list for exactly that reason.
type Info struct {
	ClientID uint64
	Addr     unix.RawSockaddrAny
	AddrLen  uint32
	Username string

	next *Info
}

// RemoteAddr formats the peer as "ip:port". Connections are IPv4.
func (ci *Info) RemoteAddr() string {
	if ci.AddrLen == 0 {
		return "?"
	}
	// sockaddr_in layout: family(2) port(2, big-endian) addr(4).
	d := ci.Addr.Addr.Data
	port := uint16(uint8(d[0]))<<8 | uint16(uint8(d[1]))
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		uint8(d[2]), uint8(d[3]), uint8(d[4]), uint8(d[5]), port)
}

func (ci *Info) reset() {
	*ci = Info{}
}

// Map is a chained-bucket hash map from client id to Info with a free list
// of detached records.
type Map struct {
	buckets []*Info
	free    []*Info
}

// NewMap creates a map with the given bucket count, which must be a power
// of two.
func NewMap(buckets int) (*Map, error) {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("client: bucket count must be a power of two, got %d", buckets)
	}
	return &Map{
		buckets: make([]*Info, buckets),
		free:    make([]*Info, 0, freeInitialCap),
	}, nil
}

func (m *Map) bucket(clientID uint64) int {
	return int(clientID & uint64(len(m.buckets)-1))
}

// NewEntry inserts a fresh record for clientID and returns it. Returns
// (nil, false) if the id is already present.
func (m *Map) NewEntry(clientID uint64) (*Info, bool) {
	i := m.bucket(clientID)
	for node := m.buckets[i]; node != nil; node = node.next {
		if node.ClientID == clientID {
			return nil, false
		}
	}

	var node *Info
	if n := len(m.free); n > 0 {
		node = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		node = &Info{}
	}

	node.next = m.buckets[i]
	node.ClientID = clientID
	m.buckets[i] = node
	return node, true
}

// Get returns the record for clientID, or nil.
func (m *Map) Get(clientID uint64) *Info {
	for node := m.buckets[m.bucket(clientID)]; node != nil; node = node.next {
		if node.ClientID == clientID {
			return node
		}
	}
	return nil
}

// Remove unlinks the record for clientID, zeroes it, and pushes it onto the
// free list. Returns false if the id was not present.
func (m *Map) Remove(clientID uint64) bool {
	i := m.bucket(clientID)
	var prev *Info
	for node := m.buckets[i]; node != nil; node = node.next {
		if node.ClientID != clientID {
			prev = node
			continue
		}
		if prev == nil {
			m.buckets[i] = node.next
		} else {
			prev.next = node.next
		}
		node.reset()
		m.free = append(m.free, node)
		return true
	}
	return false
}
