package discover

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dws-network/dws-core/internal/events"
	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
	"github.com/dws-network/dws-core/p2p/peerstore"
)

// ConnState is a peer's position in the connection lifecycle (base spec
// §4.3 "connection state machine").
type ConnState int

const (
	StateUnknown ConnState = iota
	StateDialing
	StateConnected
	StateStale
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MaxConnections is the default ceiling on simultaneously connected
// peers before the lowest-scoring are evicted (base spec §4.3).
const MaxConnections = 100

// staleAfter is how long a connected peer can go without activity
// before being marked stale; disconnectAfter is how much longer after
// that before it is dropped entirely.
const (
	staleAfter      = 60 * time.Second
	disconnectAfter = 120 * time.Second
)

type connEntry struct {
	state        ConnState
	address      string
	lastActivity time.Time
}

// Config wires a Discovery instance to its collaborators.
type Config struct {
	SelfID          string
	Table           *Table
	DHT             *DHT
	Dialer          Dialer
	Store           *peerstore.Store
	Events          *events.Bus
	Metrics         *metrics.Registry
	Logger          *log.Logger
	MaxConnections  int
	RefreshInterval time.Duration
	PingInterval    time.Duration
}

// Discovery drives the peer connection lifecycle: dialing newly seen
// peers, periodically refreshing the routing table via random-walk
// lookups, pinging connected peers for latency, and evicting peers once
// MaxConnections is exceeded (base spec §4.3).
type Discovery struct {
	selfID          string
	table           *Table
	dht             *DHT
	dialer          Dialer
	store           *peerstore.Store
	events          *events.Bus
	metrics         *metrics.Registry
	logger          *log.Logger
	maxConnections  int
	refreshInterval time.Duration
	pingInterval    time.Duration

	mu    sync.RWMutex
	conns map[string]*connEntry

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Discovery instance with the given configuration,
// applying defaults for any zero-valued durations/counts.
func New(cfg Config) *Discovery {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = MaxConnections
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Discovery{
		selfID:          cfg.SelfID,
		table:           cfg.Table,
		dht:             cfg.DHT,
		dialer:          cfg.Dialer,
		store:           cfg.Store,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		logger:          logger.Module("discover"),
		maxConnections:  cfg.MaxConnections,
		refreshInterval: cfg.RefreshInterval,
		pingInterval:    cfg.PingInterval,
		conns:           make(map[string]*connEntry),
	}
}

// Start launches the refresh and ping maintenance loops.
func (d *Discovery) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.refreshLoop(ctx)
	go d.pingLoop(ctx)
}

// Stop halts the maintenance loops and waits for them to exit.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

func (d *Discovery) refreshLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshPeers(ctx)
		}
	}
}

func (d *Discovery) pingLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pingAllPeers(ctx)
		}
	}
}

// refreshPeers advances stale/disconnected transitions and, when the
// connected count falls under 10, performs a random-walk lookup to
// discover new peers (base spec §4.3).
func (d *Discovery) refreshPeers(ctx context.Context) {
	now := time.Now()

	var toDisconnect []string
	d.mu.Lock()
	for peerID, c := range d.conns {
		if c.state != StateConnected && c.state != StateStale {
			continue
		}
		idle := now.Sub(c.lastActivity)
		switch {
		case idle > disconnectAfter:
			c.state = StateDisconnected
			toDisconnect = append(toDisconnect, peerID)
		case idle > staleAfter:
			c.state = StateStale
		}
	}
	connected := d.connectedCountLocked()
	d.mu.Unlock()

	for _, peerID := range toDisconnect {
		d.disconnect(peerID, "idle timeout")
	}

	if connected < 10 {
		d.randomWalk(ctx)
	}

	d.enforceMaxConnections()
}

// randomWalk asks the closest known peers to a random target for their
// peer lists, feeding any newly learned peers into the table and peer
// store, and attempting to dial them (base spec §4.3).
func (d *Discovery) randomWalk(ctx context.Context) {
	target := d.table.RandomBucketTarget()
	closest := d.table.FindClosest(target, 3)
	if len(closest) == 0 {
		return
	}

	for _, peer := range closest {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		summaries, err := d.dialer.FetchPeers(cctx, peer.Address, 20, "")
		cancel()
		if err != nil {
			continue
		}
		for _, s := range summaries {
			if s.PeerID == d.selfID {
				continue
			}
			d.learnPeer(s)
		}
	}
}

// learnPeer registers a peer discovered indirectly (via gossip of peer
// lists) into the routing table and peer store, then dials it if under
// the connection ceiling.
func (d *Discovery) learnPeer(s PeerSummary) {
	d.table.Add(NodeEntry{PeerID: s.PeerID, Address: s.Address, LastSeen: time.Now()})

	if d.store != nil {
		_, _ = d.store.AddPeer(peerstore.PeerInfo{
			PeerID:    s.PeerID,
			NodeID:    s.NodeID,
			Addresses: []string{s.Address},
			Services:  s.Services,
			Region:    s.Region,
		})
	}

	d.mu.RLock()
	_, known := d.conns[s.PeerID]
	connected := d.connectedCountLocked()
	d.mu.RUnlock()
	if known || connected >= d.maxConnections {
		return
	}

	go d.Dial(context.Background(), s.PeerID, s.Address)
}

// Dial attempts to connect to a peer, transitioning it through
// Dialing -> Connected (success) or Dialing -> Disconnected (failure).
func (d *Discovery) Dial(ctx context.Context, peerID, address string) {
	d.setState(peerID, address, StateDialing)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	latencyMs, err := d.dialer.Ping(cctx, address)
	if err != nil {
		d.setState(peerID, address, StateDisconnected)
		return
	}

	d.setState(peerID, address, StateConnected)
	if d.store != nil {
		_ = d.store.RecordConnection(peerID)
		_ = d.store.UpdateScore(peerID, peerstore.ScoreUpdate{LatencySample: &latencyMs})
	}
	if d.events != nil {
		d.events.Emit("peer:connect", map[string]any{"peerId": peerID, "address": address})
	}
}

func (d *Discovery) disconnect(peerID, reason string) {
	d.mu.Lock()
	delete(d.conns, peerID)
	d.mu.Unlock()

	if d.store != nil {
		_ = d.store.RecordDisconnection(peerID, reason)
	}
	if d.events != nil {
		d.events.Emit("peer:disconnect", map[string]any{"peerId": peerID, "reason": reason})
	}
}

func (d *Discovery) setState(peerID, address string, state ConnState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[peerID]
	if !ok {
		c = &connEntry{address: address}
		d.conns[peerID] = c
	}
	c.state = state
	c.lastActivity = time.Now()
	if address != "" {
		c.address = address
	}
	if d.metrics != nil {
		d.metrics.PeerCount.Set(float64(d.connectedCountLocked()))
	}
}

func (d *Discovery) connectedCountLocked() int {
	n := 0
	for _, c := range d.conns {
		if c.state == StateConnected || c.state == StateStale {
			n++
		}
	}
	return n
}

// pingAllPeers refreshes latency EMA and activity timestamps for every
// connected peer (base spec §4.3, 15s default interval).
func (d *Discovery) pingAllPeers(ctx context.Context) {
	d.mu.RLock()
	targets := make(map[string]string, len(d.conns))
	for peerID, c := range d.conns {
		if c.state == StateConnected || c.state == StateStale {
			targets[peerID] = c.address
		}
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for peerID, addr := range targets {
		wg.Add(1)
		go func(peerID, addr string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			latencyMs, err := d.dialer.Ping(cctx, addr)
			if err != nil {
				d.mu.Lock()
				if c, ok := d.conns[peerID]; ok && c.state == StateStale {
					// A failed ping on a peer already marked stale moves it to
					// Disconnected at once instead of waiting for the idle timer.
					c.state = StateDisconnected
				}
				d.mu.Unlock()
				return
			}
			d.mu.Lock()
			if c, ok := d.conns[peerID]; ok {
				c.lastActivity = time.Now()
				if c.state == StateStale {
					c.state = StateConnected
				}
			}
			d.mu.Unlock()
			if d.store != nil {
				_ = d.store.UpdateScore(peerID, peerstore.ScoreUpdate{LatencySample: &latencyMs})
			}
		}(peerID, addr)
	}
	wg.Wait()
}

// enforceMaxConnections evicts the lowest-scoring connected peers once
// the connection count exceeds maxConnections, dropping 10 at a time
// (base spec §4.3).
func (d *Discovery) enforceMaxConnections() {
	d.mu.RLock()
	over := d.connectedCountLocked() - d.maxConnections
	d.mu.RUnlock()
	if over <= 0 || d.store == nil {
		return
	}

	evictCount := 10
	if over < evictCount {
		evictCount = over
	}

	d.mu.RLock()
	candidates := make([]string, 0, len(d.conns))
	for peerID, c := range d.conns {
		if c.state == StateConnected || c.state == StateStale {
			candidates = append(candidates, peerID)
		}
	}
	d.mu.RUnlock()

	type scored struct {
		peerID string
		score  float64
	}
	scoredPeers := make([]scored, 0, len(candidates))
	for _, peerID := range candidates {
		_, sc, err := d.store.Get(peerID)
		if err != nil {
			continue
		}
		scoredPeers = append(scoredPeers, scored{peerID, sc.Overall})
	}
	sort.Slice(scoredPeers, func(i, j int) bool { return scoredPeers[i].score < scoredPeers[j].score })

	for i := 0; i < evictCount && i < len(scoredPeers); i++ {
		d.disconnect(scoredPeers[i].peerID, "max connections exceeded")
	}
}

// BestPeerForService selects the highest-ranked connected peer offering
// the given service, preferring the given region when set. Ranking
// follows score − latency/10 + stake/1e18 (base spec §4.3).
func (d *Discovery) BestPeerForService(service, preferredRegion string) (string, bool) {
	if d.store == nil {
		return "", false
	}

	d.mu.RLock()
	connectedIDs := make(map[string]struct{}, len(d.conns))
	for peerID, c := range d.conns {
		if c.state == StateConnected {
			connectedIDs[peerID] = struct{}{}
		}
	}
	d.mu.RUnlock()

	candidates := d.store.GetTopPeers(len(connectedIDs)+1, service)

	weiPerEth := new(big.Float).SetFloat64(1e18)
	bestPeer := ""
	bestRank := -1 << 62
	bestRankF := float64(bestRank)
	found := false

	for _, p := range candidates {
		if _, ok := connectedIDs[p.PeerID]; !ok {
			continue
		}
		_, sc, err := d.store.Get(p.PeerID)
		if err != nil {
			continue
		}

		stakeEth := 0.0
		if sc.Stake != nil && sc.Stake.Sign() > 0 {
			f := new(big.Float).SetInt(sc.Stake)
			f.Quo(f, weiPerEth)
			stakeEth, _ = f.Float64()
		}
		rank := sc.Overall - sc.LatencyEMA/10 + stakeEth
		regionBonus := 0.0
		if preferredRegion != "" && p.Region == preferredRegion {
			regionBonus = 1000 // region match dominates ranking when requested
		}
		rank += regionBonus

		if !found || rank > bestRankF {
			bestRankF = rank
			bestPeer = p.PeerID
			found = true
		}
	}

	return bestPeer, found
}

// ConnectedPeers returns the peer-ids currently in the Connected or
// Stale state.
func (d *Discovery) ConnectedPeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.conns))
	for peerID, c := range d.conns {
		if c.state == StateConnected || c.state == StateStale {
			out = append(out, peerID)
		}
	}
	return out
}

// State returns the current connection state of a peer.
func (d *Discovery) State(peerID string) ConnState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.conns[peerID]; ok {
		return c.state
	}
	return StateUnknown
}
