// Package gossip implements topic-based message propagation with
// bounded duplication: mesh maintenance via GRAFT/PRUNE/IHAVE/IWANT,
// a seen-cache for deduplication, and per-peer score deltas on
// delivery outcome. Adapted from the teacher's GossipManager
// (pkg/p2p/gossip.go) — topic subscriptions, banning, message-id
// derivation via Keccak256 — generalized from the teacher's fixed
// FanoutSize/PeerScoreThreshold model to this spec's full mesh-width
// (D_LOW/D/D_HIGH/D_LAZY) maintenance loop, and merged with the
// teacher's separate GossipMeshScoreManager (gossip_mesh_scoring.go)
// into a single peer-score map shared by all topics (base spec §4.4).
package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dws-network/dws-core/internal/idhash"
	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
)

// Mesh width targets (base spec §4.4).
const (
	dLow        = 4
	dTarget     = 6
	dHigh       = 12
	dLazy       = 6
	gossipFactor = 0.25
)

// ControlTopic carries GRAFT/PRUNE/IHAVE/IWANT messages (base spec §4.4).
const ControlTopic = "__control__"

const (
	defaultMaxMessageSize = 1 << 20 // 1 MiB
	defaultHeartbeat      = 1 * time.Second
	defaultSeenTTL        = 120 * time.Second
	ihaveWindow           = 5 * time.Second
	fanoutExpiry          = 60 * time.Second
)

// Score deltas applied to the sending peer on receive (base spec §4.4).
const (
	scoreDuplicate = -0.5
	scoreInvalid   = -10.0
	scoreDelivered = 1.0
)

// Sender is how the mesh reaches a remote peer; injected so the
// transport can be swapped (base spec's "same sender injected via
// setSender").
type Sender interface {
	Send(peerID string, msg WireMessage) error
}

// WireMessage is a gossip message or control frame as sent on the wire.
type WireMessage struct {
	Kind      string // "publish", "graft", "prune", "ihave", "iwant"
	Topic     string
	ID        string
	Data      []byte
	Sender    string
	Timestamp time.Time
	IDs       []string // for ihave/iwant batches
}

// ScoreUpdater is implemented by the peer store to fold gossip delivery
// outcomes into a peer's overall score.
type ScoreUpdater interface {
	UpdateScore(peerID string, deliverySample float64) error
}

// Handler receives delivered payloads for a subscribed topic.
type Handler func(topic string, data []byte, sender string)

type topicState struct {
	mesh        map[string]struct{}
	fanout      map[string]time.Time // peer -> lastPublish
	knownPeers  map[string]struct{}  // all peers known to carry this topic
	lastPublish time.Time
	handlers    []Handler
	recent      []publishedID // ids published in the last ihaveWindow, for IHAVE summaries
}

// publishedID records a message id's publish time so maintainMesh can
// summarize "messages published in last 5s" for IHAVE (base spec §4.4).
type publishedID struct {
	id string
	at time.Time
}

func newTopicState() *topicState {
	return &topicState{
		mesh:       make(map[string]struct{}),
		fanout:     make(map[string]time.Time),
		knownPeers: make(map[string]struct{}),
	}
}

type seenEntry struct {
	expiry time.Time
}

// Config wires a Mesh to its collaborators and overrides defaults.
type Config struct {
	SelfID         string
	Sender         Sender
	ScoreStore     ScoreUpdater
	Metrics        *metrics.Registry
	Logger         *log.Logger
	MaxMessageSize int
	Heartbeat      time.Duration
	SeenTTL        time.Duration
}

// Mesh is the gossip pub/sub engine for one node, managing many topics
// concurrently (base spec §4.4).
type Mesh struct {
	selfID     string
	sender     Sender
	scoreStore ScoreUpdater
	metrics    *metrics.Registry
	logger     *log.Logger

	maxMessageSize int
	heartbeat      time.Duration
	seenTTL        time.Duration

	mu     sync.Mutex
	topics map[string]*topicState
	seen   map[string]seenEntry

	peerScores map[string]float64 // local view of remote peer scores for GRAFT/PRUNE decisions

	cancel   func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Mesh, applying base-spec defaults for zero-valued config.
func New(cfg Config) *Mesh {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaultSeenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Module("gossip")
	} else {
		logger = logger.Module("gossip")
	}
	return &Mesh{
		selfID:         cfg.SelfID,
		sender:         cfg.Sender,
		scoreStore:     cfg.ScoreStore,
		metrics:        cfg.Metrics,
		logger:         logger,
		maxMessageSize: cfg.MaxMessageSize,
		heartbeat:      cfg.Heartbeat,
		seenTTL:        cfg.SeenTTL,
		topics:         make(map[string]*topicState),
		seen:           make(map[string]seenEntry),
		peerScores:     make(map[string]float64),
	}
}

// messageID derives a deterministic id from topic, data and publish
// time, mirroring the teacher's computeMessageID but over Keccak256
// (base spec §4.4). The receiver trusts the embedded publish time
// as-is rather than re-checking it against local clock skew; the
// exact tolerance a receiver should apply is an open question (base
// spec §9) and is deliberately left unresolved here.
func messageID(topic string, data []byte, ts time.Time) string {
	return idhash.Keccak256Hex([]byte(topic), data, []byte(fmt.Sprintf("%d", ts.UnixNano())))
}

func (m *Mesh) topic(name string) *topicState {
	t, ok := m.topics[name]
	if !ok {
		t = newTopicState()
		m.topics[name] = t
	}
	return t
}

// Subscribe registers a handler for delivered payloads on a topic.
func (m *Mesh) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	t.handlers = append(t.handlers, h)
}

// AddKnownPeer records that a peer participates in a topic, making it
// eligible for GRAFT during mesh maintenance.
func (m *Mesh) AddKnownPeer(topic, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	t.knownPeers[peerID] = struct{}{}
}

// Publish marks the message seen, forwards it to the full mesh, and
// tops the mesh up with random fanout peers if under dTarget (base
// spec §4.4 "Publish").
func (m *Mesh) Publish(topic string, data []byte) error {
	if len(data) > m.maxMessageSize {
		return fmt.Errorf("gossip: payload %d bytes exceeds max %d", len(data), m.maxMessageSize)
	}

	now := time.Now()
	id := messageID(topic, data, now)

	m.mu.Lock()
	t := m.topic(topic)
	m.seen[id] = seenEntry{expiry: now.Add(m.seenTTL)}
	t.lastPublish = now
	t.recent = append(t.recent, publishedID{id: id, at: now})

	targets := make([]string, 0, len(t.mesh))
	for p := range t.mesh {
		targets = append(targets, p)
	}
	if len(targets) < dTarget {
		m.topUpFanoutLocked(t, topic, dTarget-len(targets))
		for p := range t.fanout {
			if _, inMesh := t.mesh[p]; !inMesh {
				targets = append(targets, p)
			}
		}
	}
	m.mu.Unlock()

	wire := WireMessage{Kind: "publish", Topic: topic, ID: id, Data: data, Sender: m.selfID, Timestamp: now}
	for _, p := range targets {
		_ = m.sender.Send(p, wire)
	}
	return nil
}

// topUpFanoutLocked picks up to n known peers outside the mesh for
// fanout delivery. Caller must hold m.mu.
func (m *Mesh) topUpFanoutLocked(t *topicState, topic string, n int) {
	candidates := make([]string, 0)
	for p := range t.knownPeers {
		if _, inMesh := t.mesh[p]; inMesh {
			continue
		}
		if _, inFanout := t.fanout[p]; inFanout {
			continue
		}
		candidates = append(candidates, p)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	now := time.Now()
	for i := 0; i < n && i < len(candidates); i++ {
		t.fanout[candidates[i]] = now
	}
}

// Receive processes an inbound publish from a peer: dedup, validate,
// deliver, and re-forward to the mesh minus the sender (base spec
// §4.4 "Receive").
func (m *Mesh) Receive(wire WireMessage) {
	if wire.Kind != "publish" {
		m.handleControl(wire)
		return
	}

	m.mu.Lock()
	if _, dup := m.seen[wire.ID]; dup {
		m.mu.Unlock()
		m.adjustScore(wire.Sender, scoreDuplicate)
		return
	}
	if wire.Topic == "" || wire.ID == "" || len(wire.Data) == 0 || uint64(len(wire.Data)) > uint64(m.maxMessageSize) {
		m.mu.Unlock()
		m.adjustScore(wire.Sender, scoreInvalid)
		return
	}
	m.seen[wire.ID] = seenEntry{expiry: time.Now().Add(m.seenTTL)}
	t := m.topic(wire.Topic)
	handlers := append([]Handler(nil), t.handlers...)
	forwardTargets := make([]string, 0, len(t.mesh))
	for p := range t.mesh {
		if p != wire.Sender {
			forwardTargets = append(forwardTargets, p)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(wire.Topic, wire.Data, wire.Sender)
	}
	for _, p := range forwardTargets {
		_ = m.sender.Send(p, wire)
	}
	m.adjustScore(wire.Sender, scoreDelivered)
}

// handleControl processes GRAFT/PRUNE/IHAVE/IWANT frames on
// ControlTopic (base spec §4.4).
func (m *Mesh) handleControl(wire WireMessage) {
	switch wire.Kind {
	case "graft":
		m.onGraft(wire.Topic, wire.Sender)
	case "prune":
		m.onPrune(wire.Topic, wire.Sender)
	case "ihave":
		m.onIHave(wire.Topic, wire.Sender, wire.IDs)
	case "iwant":
		m.onIWant(wire.Topic, wire.Sender, wire.IDs)
	}
}

// onGraft admits a peer into the mesh unless already at dHigh or the
// peer's local score is negative, in which case it replies PRUNE
// (base spec §4.4).
func (m *Mesh) onGraft(topic, peerID string) {
	m.mu.Lock()
	t := m.topic(topic)
	score := m.peerScores[peerID]
	if len(t.mesh) >= dHigh || score < 0 {
		m.mu.Unlock()
		_ = m.sender.Send(peerID, WireMessage{Kind: "prune", Topic: topic, Sender: m.selfID})
		return
	}
	t.mesh[peerID] = struct{}{}
	delete(t.fanout, peerID)
	m.mu.Unlock()
}

func (m *Mesh) onPrune(topic, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	delete(t.mesh, peerID)
}

// onIHave requests, via IWANT, any advertised id not already seen.
func (m *Mesh) onIHave(topic, peerID string, ids []string) {
	m.mu.Lock()
	want := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := m.seen[id]; !ok {
			want = append(want, id)
		}
	}
	m.mu.Unlock()
	if len(want) == 0 {
		return
	}
	_ = m.sender.Send(peerID, WireMessage{Kind: "iwant", Topic: topic, Sender: m.selfID, IDs: want})
}

// onIWant is a placeholder seam for serving requested message bodies
// from a cache; DWS relies on eventual re-publish rather than a
// message-body cache, so no action is taken beyond acknowledging
// receipt for observability.
func (m *Mesh) onIWant(topic, peerID string, ids []string) {
	m.logger.Debug("iwant received", "topic", topic, "peer", peerID, "count", len(ids))
}

func (m *Mesh) adjustScore(peerID string, delta float64) {
	if peerID == "" {
		return
	}
	m.mu.Lock()
	score := m.peerScores[peerID] + delta
	if score > 150 {
		score = 150
	}
	if score < -100 {
		score = -100
	}
	m.peerScores[peerID] = score
	m.mu.Unlock()

	if m.scoreStore != nil {
		sample := 1.0
		if delta < 0 {
			sample = 0.0
		}
		_ = m.scoreStore.UpdateScore(peerID, sample)
	}
}

// Start launches the heartbeat and seen-cache cleanup loops.
func (m *Mesh) Start() func() {
	stopCh := make(chan struct{})
	m.cancel = func() { close(stopCh) }

	m.wg.Add(2)
	go m.heartbeatLoop(stopCh)
	go m.cleanupLoop(stopCh)

	return m.Stop
}

// Stop halts the background loops and waits for them to exit.
func (m *Mesh) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

func (m *Mesh) heartbeatLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.maintainMesh()
		}
	}
}

// maintainMesh runs one heartbeat tick of mesh maintenance across every
// topic: GRAFT up to dTarget when under dLow, PRUNE lowest-scored peers
// when over dHigh, emit IHAVE summaries, and drop stale fanout entries
// (base spec §4.4 "Mesh maintenance").
func (m *Mesh) maintainMesh() {
	m.mu.Lock()
	now := time.Now()
	type pending struct {
		topic   string
		grafts  []string
		prunes  []string
		ihaveTo []string
		ihaveID []string
	}
	var actions []pending

	for name, t := range m.topics {
		if name == ControlTopic {
			continue
		}
		p := pending{topic: name}

		if len(t.mesh) < dLow {
			candidates := make([]string, 0)
			for peer := range t.knownPeers {
				if _, inMesh := t.mesh[peer]; !inMesh {
					candidates = append(candidates, peer)
				}
			}
			rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
			need := dTarget - len(t.mesh)
			for i := 0; i < need && i < len(candidates); i++ {
				p.grafts = append(p.grafts, candidates[i])
				t.mesh[candidates[i]] = struct{}{}
			}
		}

		if len(t.mesh) > dHigh {
			type scored struct {
				peer  string
				score float64
			}
			ranked := make([]scored, 0, len(t.mesh))
			for peer := range t.mesh {
				ranked = append(ranked, scored{peer, m.peerScores[peer]})
			}
			for i := 0; i < len(ranked); i++ {
				for j := i + 1; j < len(ranked); j++ {
					if ranked[j].score < ranked[i].score {
						ranked[i], ranked[j] = ranked[j], ranked[i]
					}
				}
			}
			excess := len(t.mesh) - dTarget
			for i := 0; i < excess && i < len(ranked); i++ {
				p.prunes = append(p.prunes, ranked[i].peer)
				delete(t.mesh, ranked[i].peer)
			}
		}

		recentIDs := make([]string, 0, len(t.recent))
		kept := t.recent[:0]
		for _, pub := range t.recent {
			if now.Sub(pub.at) <= ihaveWindow {
				recentIDs = append(recentIDs, pub.id)
				kept = append(kept, pub)
			}
		}
		t.recent = kept

		if len(recentIDs) > 0 {
			nonMesh := make([]string, 0)
			for peer := range t.knownPeers {
				if _, inMesh := t.mesh[peer]; !inMesh {
					nonMesh = append(nonMesh, peer)
				}
			}
			rand.Shuffle(len(nonMesh), func(i, j int) { nonMesh[i], nonMesh[j] = nonMesh[j], nonMesh[i] })
			n := dLazy
			if n > len(nonMesh) {
				n = len(nonMesh)
			}
			for i := 0; i < n; i++ {
				if rand.Float64() < gossipFactor {
					p.ihaveTo = append(p.ihaveTo, nonMesh[i])
				}
			}
			if len(p.ihaveTo) > 0 {
				p.ihaveID = recentIDs
			}
		}

		for peer, last := range t.fanout {
			if now.Sub(last) > fanoutExpiry {
				delete(t.fanout, peer)
			}
		}

		if m.metrics != nil {
			m.metrics.GossipMeshSize.WithLabelValues(name).Set(float64(len(t.mesh)))
		}

		if len(p.grafts) > 0 || len(p.prunes) > 0 || len(p.ihaveTo) > 0 {
			actions = append(actions, p)
		}
	}
	m.mu.Unlock()

	for _, p := range actions {
		for _, peer := range p.grafts {
			_ = m.sender.Send(peer, WireMessage{Kind: "graft", Topic: p.topic, Sender: m.selfID})
		}
		for _, peer := range p.prunes {
			_ = m.sender.Send(peer, WireMessage{Kind: "prune", Topic: p.topic, Sender: m.selfID})
		}
		for _, peer := range p.ihaveTo {
			_ = m.sender.Send(peer, WireMessage{Kind: "ihave", Topic: p.topic, Sender: m.selfID, IDs: p.ihaveID})
		}
	}
}

func (m *Mesh) cleanupLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.seenTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cleanupSeen()
		}
	}
}

// cleanupSeen trims seen-cache entries older than seenTTL (base spec
// §4.4 "Seen-cache cleanup").
func (m *Mesh) cleanupSeen() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.seen {
		if now.After(e.expiry) {
			delete(m.seen, id)
		}
	}
}

// MeshSize returns the current mesh width for a topic.
func (m *Mesh) MeshSize(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topic(topic).mesh)
}
