package peerstore

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
)

var (
	// ErrPeerNotFound is returned when an operation targets an unknown peer.
	ErrPeerNotFound = errors.New("peerstore: peer not found")
)

// Store is a concurrency-safe, durable catalog of known peers and their
// scores. All mutation happens behind a single mutex per base spec §5
// ("one critical section per container modification"); no lock is ever
// held across network or disk I/O.
type Store struct {
	mu sync.RWMutex

	peers  map[string]*Peer
	scores map[string]*PeerScore

	history     []ConnectionEvent
	historyHead int

	dirty bool

	path         string
	saveInterval time.Duration

	metrics *metrics.Registry
	logger  *log.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Config controls persistence and decay behavior for a Store.
type Config struct {
	Path         string
	SaveInterval time.Duration // default 60s
	Metrics      *metrics.Registry
	Logger       *log.Logger
}

// New creates an empty, in-memory peer store. Call Load to populate it
// from disk and Start to begin the background save/decay loops.
func New(cfg Config) *Store {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Module("peerstore")
	}
	return &Store{
		peers:        make(map[string]*Peer),
		scores:       make(map[string]*PeerScore),
		path:         cfg.Path,
		saveInterval: cfg.SaveInterval,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// AddPeer upserts a peer. On first observation it initializes a fresh
// score; on update it merges metadata and bumps LastSeen monotonically.
// If the store exceeds MaxPeers afterward, a prune removes the bottom
// 10% by Overall score (base spec §4.1).
func (s *Store) AddPeer(info PeerInfo) (*Peer, error) {
	if info.PeerID == "" {
		return nil, errors.New("peerstore: PeerID must not be empty")
	}

	now := time.Now()

	s.mu.Lock()
	p, exists := s.peers[info.PeerID]
	if !exists {
		p = &Peer{
			PeerID:    info.PeerID,
			NodeID:    info.NodeID,
			Addresses: append([]string(nil), info.Addresses...),
			Services:  setFromSlice(info.Services),
			Region:    info.Region,
			AgentID:   info.AgentID,
			Protocols: setFromSlice(info.Protocols),
			Metadata:  map[string]string{},
			FirstSeen: now,
			LastSeen:  now,
		}
		if info.AgentID == nil {
			p.AgentID = new(big.Int)
		}
		for k, v := range info.Metadata {
			p.Metadata[k] = v
		}
		s.peers[info.PeerID] = p
		s.scores[info.PeerID] = newPeerScore(info.PeerID)
	} else {
		if len(info.Addresses) > 0 {
			p.Addresses = info.Addresses
		}
		if info.NodeID != "" {
			p.NodeID = info.NodeID
		}
		if info.Region != "" {
			p.Region = info.Region
		}
		if info.AgentID != nil {
			p.AgentID = info.AgentID
		}
		for svc := range setFromSlice(info.Services) {
			p.Services[svc] = struct{}{}
		}
		for proto := range setFromSlice(info.Protocols) {
			p.Protocols[proto] = struct{}{}
		}
		for k, v := range info.Metadata {
			p.Metadata[k] = v
		}
		if now.After(p.LastSeen) {
			p.LastSeen = now
		}
	}
	s.dirty = true
	size := len(s.peers)
	result := clonePeer(p)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PeerCount.Set(float64(size))
	}
	if size > MaxPeers {
		s.pruneLowestScoring()
	}
	return result, nil
}

// pruneLowestScoring removes the bottom 10% of peers by Overall score,
// tie-breaking on older LastSeen first (base spec §4.1).
func (s *Store) pruneLowestScoring() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.peers)
	if n <= MaxPeers {
		return
	}
	toRemove := n / 10
	if toRemove == 0 {
		toRemove = 1
	}

	type scored struct {
		id       string
		overall  float64
		lastSeen time.Time
	}
	all := make([]scored, 0, n)
	for id, p := range s.peers {
		sc := s.scores[id]
		overall := 0.0
		if sc != nil {
			overall = sc.Overall
		}
		all = append(all, scored{id: id, overall: overall, lastSeen: p.LastSeen})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].overall != all[j].overall {
			return all[i].overall < all[j].overall
		}
		return all[i].lastSeen.Before(all[j].lastSeen)
	})

	for i := 0; i < toRemove && i < len(all); i++ {
		delete(s.peers, all[i].id)
		delete(s.scores, all[i].id)
	}
	s.dirty = true
}

// UpdateScore applies an EMA-based partial update to a peer's score
// (base spec §4.1).
func (s *Store) UpdateScore(peerID string, u ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scores[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	sc.Apply(u)
	s.dirty = true
	return nil
}

// ApplyPenalty sets a peer's penalty expiry, drops reputation by 10, and
// forces Overall to -100 until the penalty elapses (base spec §4.1).
func (s *Store) ApplyPenalty(peerID string, duration time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scores[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	sc.ApplyPenalty(duration, time.Now())
	s.dirty = true
	s.logger.Warn("penalty applied", "peer", peerID, "duration", duration, "reason", reason)
	return nil
}

// RecordConnection appends a connect event, bumps ConnectCount, and
// updates LastConnect/LastSeen (base spec §4.1).
func (s *Store) RecordConnection(peerID string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	p.ConnectCount++
	p.LastConnect = now
	p.LastSeen = now
	s.appendHistoryLocked(ConnectionEvent{PeerID: peerID, Type: "connect", Timestamp: now})
	s.recomputeUptimeLocked(peerID)
	s.dirty = true
	return nil
}

// RecordDisconnection appends a disconnect event, bumps DisconnectCount,
// and recomputes the derived uptime ratio (base spec §4.1).
func (s *Store) RecordDisconnection(peerID string, reason string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	var duration time.Duration
	if !p.LastConnect.IsZero() {
		duration = now.Sub(p.LastConnect)
	}
	p.DisconnectCount++
	s.appendHistoryLocked(ConnectionEvent{
		PeerID:    peerID,
		Type:      "disconnect",
		Timestamp: now,
		Duration:  duration,
		Reason:    reason,
	})
	s.recomputeUptimeLocked(peerID)
	s.dirty = true
	return nil
}

// recomputeUptimeLocked derives uptime = connectCount/(connectCount+disconnectCount)
// for the given peer. Caller must hold s.mu.
func (s *Store) recomputeUptimeLocked(peerID string) {
	p := s.peers[peerID]
	sc := s.scores[peerID]
	if p == nil || sc == nil {
		return
	}
	total := p.ConnectCount + p.DisconnectCount
	uptime := 0.0
	if total > 0 {
		uptime = float64(p.ConnectCount) / float64(total)
	}
	sc.Apply(ScoreUpdate{Uptime: &uptime})
}

// appendHistoryLocked writes into the bounded ring buffer. Caller must
// hold s.mu.
func (s *Store) appendHistoryLocked(evt ConnectionEvent) {
	if len(s.history) < MaxHistory {
		s.history = append(s.history, evt)
		return
	}
	s.history[s.historyHead] = evt
	s.historyHead = (s.historyHead + 1) % MaxHistory
}

// GetTopPeers returns up to count peers ranked by Overall score,
// optionally filtered to those advertising service.
func (s *Store) GetTopPeers(count int, service string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ranked struct {
		p       *Peer
		overall float64
	}
	var candidates []ranked
	for id, p := range s.peers {
		if !p.HasService(service) {
			continue
		}
		overall := 0.0
		if sc := s.scores[id]; sc != nil {
			overall = sc.Overall
		}
		candidates = append(candidates, ranked{p: p, overall: overall})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].overall > candidates[j].overall
	})
	if count > 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]*Peer, len(candidates))
	for i, c := range candidates {
		out[i] = clonePeer(c.p)
	}
	return out
}

// PruneStale removes peers whose LastSeen is older than maxAge, and
// their associated score, atomically (base spec §3 Peer invariants).
// Returns the number of peers removed.
func (s *Store) PruneStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			delete(s.scores, id)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// Get returns a copy of the peer and its score, or ErrPeerNotFound.
func (s *Store) Get(peerID string) (*Peer, *PeerScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	if !ok {
		return nil, nil, ErrPeerNotFound
	}
	sc := s.scores[peerID]
	scCopy := *sc
	if sc.Stake != nil {
		scCopy.Stake = new(big.Int).Set(sc.Stake)
	}
	return clonePeer(p), &scCopy, nil
}

// Len returns the number of peers currently in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Start launches the background persistence and score-decay loops. It
// returns immediately; call Stop to quiesce them.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.saveLoop(ctx)

	s.wg.Add(1)
	go s.decayLoop(ctx)
}

// Stop cancels the background loops, waits for them to exit, and forces
// a final save regardless of dirty state (base spec §4.1).
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.path != "" {
			if err := s.Save(s.path); err != nil {
				s.logger.Error("final peerstore save failed", "error", err)
			}
		}
	})
}

func (s *Store) saveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			dirty := s.dirty
			s.mu.RUnlock()
			if !dirty || s.path == "" {
				continue
			}
			if err := s.Save(s.path); err != nil {
				s.logger.Error("periodic peerstore save failed", "error", err)
			}
		}
	}
}

func (s *Store) decayLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.decayAll()
		}
	}
}

// decayAll drifts every peer's reputation 1% toward 50 (base spec §3
// PeerScore Decay). Runs regardless of I/O state.
func (s *Store) decayAll() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scores {
		sc.DecayReputation(now)
	}
	s.dirty = true
}
