// Package peerstore implements the durable, scored catalog of known
// peers described in base spec §4.1: upsert-on-observe, EMA-based
// scoring, bounded connection history, periodic persistence, and
// hourly reputation decay. Grounded on the teacher's mutex-guarded
// PeerSet (pkg/p2p/peer.go) and its scoring files
// (pkg/p2p/peer_scoring.go, pkg/p2p/reputation.go).
package peerstore

import (
	"math/big"
	"time"
)

// MaxPeers is the hard cap on the number of peers a store will retain
// before pruning the lowest-scoring 10% (base spec §3 Peer invariants).
const MaxPeers = 10000

// MaxHistory bounds the connection-history ring (base spec §4.1).
const MaxHistory = 1000

// Peer is the durable record for one known overlay participant.
type Peer struct {
	PeerID string // opaque 20-byte-hash-derived identifier
	NodeID string // human/config identifier

	Addresses []string // ordered multiaddresses

	Services  map[string]struct{}
	Region    string
	AgentID   *big.Int // 256-bit unsigned
	Protocols map[string]struct{}
	Metadata  map[string]string

	FirstSeen   time.Time
	LastSeen    time.Time
	LastConnect time.Time

	ConnectCount    uint64
	DisconnectCount uint64
}

// PeerInfo is the upsert payload accepted by AddPeer. Only non-zero
// fields are merged into an existing Peer.
type PeerInfo struct {
	PeerID    string
	NodeID    string
	Addresses []string
	Services  []string
	Region    string
	AgentID   *big.Int
	Protocols []string
	Metadata  map[string]string
}

// clonePeer returns a deep-enough copy safe to hand to callers without
// risking concurrent mutation of the store's internal maps/slices.
func clonePeer(p *Peer) *Peer {
	cp := *p
	cp.Addresses = append([]string(nil), p.Addresses...)
	cp.Services = cloneSet(p.Services)
	cp.Protocols = cloneSet(p.Protocols)
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	if p.AgentID != nil {
		cp.AgentID = new(big.Int).Set(p.AgentID)
	}
	return &cp
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func setFromSlice(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		out[it] = struct{}{}
	}
	return out
}

// HasService reports whether the peer advertises the given service.
func (p *Peer) HasService(service string) bool {
	if service == "" {
		return true
	}
	_, ok := p.Services[service]
	return ok
}

// ConnectionEvent is one entry in the store's bounded connection-history
// ring (base spec §3, §6 persisted layout).
type ConnectionEvent struct {
	PeerID    string
	Type      string // "connect" | "disconnect"
	Timestamp time.Time
	Duration  time.Duration // set for disconnect events
	Reason    string        // set for disconnect events
}
