package peerstore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// PersistVersion is the current on-disk layout version (base spec §6).
const PersistVersion = 1

// persistedPeer mirrors Peer with JSON-friendly field names and decimal
// string encodings for 256-bit integers (base spec §6).
type persistedPeer struct {
	PeerID      string            `json:"peerId"`
	NodeID      string            `json:"nodeId"`
	Addresses   []string          `json:"addresses"`
	Services    []string          `json:"services"`
	Region      string            `json:"region"`
	AgentID     string            `json:"agentId"`
	Protocols   []string          `json:"protocols"`
	Metadata    map[string]string `json:"metadata"`
	FirstSeen   time.Time         `json:"firstSeen"`
	LastSeen    time.Time         `json:"lastSeen"`
	LastConnect time.Time         `json:"lastConnect"`
	ConnectCnt  uint64            `json:"connectCount"`
	DisconnCnt  uint64            `json:"disconnectCount"`
}

type persistedScore struct {
	Overall       float64   `json:"overall"`
	LatencyEMA    float64   `json:"latencyEma"`
	Uptime        float64   `json:"uptime"`
	DeliveryRate  float64   `json:"deliveryRate"`
	BandwidthEMA  float64   `json:"bandwidthEma"`
	Stake         string    `json:"stake"`
	Reputation    float64   `json:"reputation"`
	PenaltyExpiry time.Time `json:"penaltyExpiry"`
}

type persistedHistoryEntry struct {
	PeerID    string        `json:"peerId"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Snapshot is the versioned persisted layout of base spec §6.
type Snapshot struct {
	Version           int                        `json:"version"`
	Peers             map[string]persistedPeer   `json:"peers"`
	Scores            map[string]persistedScore  `json:"scores"`
	ConnectionHistory []persistedHistoryEntry    `json:"connectionHistory"`
}

// ExportPeers produces a versioned, JSON-serializable snapshot of the
// store's current state (base spec §4.1, §8 round-trip property).
func (s *Store) ExportPeers() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version: PersistVersion,
		Peers:   make(map[string]persistedPeer, len(s.peers)),
		Scores:  make(map[string]persistedScore, len(s.scores)),
	}
	for id, p := range s.peers {
		snap.Peers[id] = persistedPeer{
			PeerID:      p.PeerID,
			NodeID:      p.NodeID,
			Addresses:   append([]string(nil), p.Addresses...),
			Services:    keysOf(p.Services),
			Region:      p.Region,
			AgentID:     bigIntString(p.AgentID),
			Protocols:   keysOf(p.Protocols),
			Metadata:    copyMap(p.Metadata),
			FirstSeen:   p.FirstSeen,
			LastSeen:    p.LastSeen,
			LastConnect: p.LastConnect,
			ConnectCnt:  p.ConnectCount,
			DisconnCnt:  p.DisconnectCount,
		}
	}
	for id, sc := range s.scores {
		snap.Scores[id] = persistedScore{
			Overall:       sc.Overall,
			LatencyEMA:    sc.LatencyEMA,
			Uptime:        sc.Uptime,
			DeliveryRate:  sc.DeliveryRate,
			BandwidthEMA:  sc.BandwidthEMA,
			Stake:         bigIntString(sc.Stake),
			Reputation:    sc.Reputation,
			PenaltyExpiry: sc.PenaltyExpiry,
		}
	}
	// Ring buffer is stored oldest-first for a stable, human-auditable file.
	n := len(s.history)
	snap.ConnectionHistory = make([]persistedHistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.historyHead + i) % n
		if n < MaxHistory {
			idx = i
		}
		e := s.history[idx]
		snap.ConnectionHistory = append(snap.ConnectionHistory, persistedHistoryEntry{
			PeerID: e.PeerID, Type: e.Type, Timestamp: e.Timestamp,
			Duration: e.Duration, Reason: e.Reason,
		})
	}
	return snap
}

// ImportPeers replaces the store's contents with the given snapshot
// (base spec §4.1).
func (s *Store) ImportPeers(snap Snapshot) error {
	if snap.Version != PersistVersion {
		return fmt.Errorf("peerstore: unsupported snapshot version %d", snap.Version)
	}

	peers := make(map[string]*Peer, len(snap.Peers))
	scores := make(map[string]*PeerScore, len(snap.Scores))

	for id, pp := range snap.Peers {
		agentID, err := parseBigInt(pp.AgentID)
		if err != nil {
			return fmt.Errorf("peerstore: peer %s: %w", id, err)
		}
		peers[id] = &Peer{
			PeerID:          pp.PeerID,
			NodeID:          pp.NodeID,
			Addresses:       append([]string(nil), pp.Addresses...),
			Services:        setFromSlice(pp.Services),
			Region:          pp.Region,
			AgentID:         agentID,
			Protocols:       setFromSlice(pp.Protocols),
			Metadata:        copyMap(pp.Metadata),
			FirstSeen:       pp.FirstSeen,
			LastSeen:        pp.LastSeen,
			LastConnect:     pp.LastConnect,
			ConnectCount:    pp.ConnectCnt,
			DisconnectCount: pp.DisconnCnt,
		}
	}
	for id, ps := range snap.Scores {
		stake, err := parseBigInt(ps.Stake)
		if err != nil {
			return fmt.Errorf("peerstore: score %s: %w", id, err)
		}
		scores[id] = &PeerScore{
			PeerID:        id,
			Overall:       ps.Overall,
			LatencyEMA:    ps.LatencyEMA,
			Uptime:        ps.Uptime,
			DeliveryRate:  ps.DeliveryRate,
			BandwidthEMA:  ps.BandwidthEMA,
			Stake:         stake,
			Reputation:    ps.Reputation,
			PenaltyExpiry: ps.PenaltyExpiry,
		}
	}

	history := make([]ConnectionEvent, 0, len(snap.ConnectionHistory))
	for _, h := range snap.ConnectionHistory {
		history = append(history, ConnectionEvent{
			PeerID: h.PeerID, Type: h.Type, Timestamp: h.Timestamp,
			Duration: h.Duration, Reason: h.Reason,
		})
	}
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = peers
	s.scores = scores
	s.history = history
	s.historyHead = 0
	s.dirty = false
	return nil
}

// Save writes the current snapshot to path atomically (write-then-rename)
// and clears the dirty flag. Disk write errors propagate (base spec §4.1
// "Failure semantics").
func (s *Store) Save(path string) error {
	snap := s.ExportPeers()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("peerstore: marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("peerstore: create directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("peerstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("peerstore: rename snapshot: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Load reads a snapshot from path and imports it. If the file does not
// exist or fails to parse, the store starts fresh with a warning rather
// than failing initialization (base spec §4.1 "Failure semantics").
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("no peerstore snapshot found, starting fresh", "path", path)
			return nil
		}
		s.logger.Warn("failed to read peerstore snapshot, starting fresh", "path", path, "error", err)
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("failed to parse peerstore snapshot, starting fresh", "path", path, "error", err)
		return nil
	}
	if err := s.ImportPeers(snap); err != nil {
		s.logger.Warn("failed to import peerstore snapshot, starting fresh", "path", path, "error", err)
		return nil
	}
	return nil
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return v, nil
}
