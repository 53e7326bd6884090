package p2p

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dws-network/dws-core/internal/events"
	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
	"github.com/dws-network/dws-core/p2p/bootstrap"
	"github.com/dws-network/dws-core/p2p/discover"
	"github.com/dws-network/dws-core/p2p/gossip"
	"github.com/dws-network/dws-core/p2p/peerstore"
)

// Config wires a Service to the peer id, local metadata, and
// subsystems it exposes over the control plane (base spec §4 "P2P
// Service").
type Config struct {
	SelfPeerID string
	SelfNodeID string
	Endpoint   string
	Services   []string
	Region     string

	Store     *peerstore.Store
	Table     *discover.Table
	DHT       *discover.DHT
	Discovery *discover.Discovery
	Bootstrap *bootstrap.Manager
	Mesh      *gossip.Mesh

	Events  *events.Bus
	Metrics *metrics.Registry
	Logger  *log.Logger
}

// Service wires the Peer Store, Bootstrap Manager, Discovery, and
// Gossip mesh together and exposes the `/p2p/*` HTTP control-plane
// surface described in base spec §6, grounded on the teacher's
// Config/Server lifecycle (pkg/p2p/server.go) and its net/http handler
// registration conventions (pkg/node/rpc_handler.go).
type Service struct {
	cfg    Config
	logger *log.Logger
}

// New creates a Service from a fully-constructed Config.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{cfg: cfg, logger: logger.Module("p2p")}
}

// Start begins every owned subsystem's background loops. The service
// itself owns no loop of its own; it is a thin HTTP façade.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Store != nil {
		s.cfg.Store.Start(ctx)
	}
	if s.cfg.Bootstrap != nil {
		s.cfg.Bootstrap.Start(ctx)
	}
	if s.cfg.Discovery != nil {
		s.cfg.Discovery.Start(ctx)
	}
	if s.cfg.Mesh != nil {
		s.cfg.Mesh.Start()
	}
}

// Stop quiesces every owned subsystem.
func (s *Service) Stop() {
	if s.cfg.Mesh != nil {
		s.cfg.Mesh.Stop()
	}
	if s.cfg.Discovery != nil {
		s.cfg.Discovery.Stop()
	}
	if s.cfg.Bootstrap != nil {
		s.cfg.Bootstrap.Stop()
	}
	if s.cfg.Store != nil {
		s.cfg.Store.Stop()
	}
}

// RegisterRoutes attaches the `/p2p/*` control-plane surface to mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /p2p/ping", s.handlePing)
	mux.HandleFunc("GET /p2p/info", s.handleInfo)
	mux.HandleFunc("GET /p2p/peers", s.handlePeers)
	mux.HandleFunc("GET /p2p/dht/get", s.handleDHTGet)
	mux.HandleFunc("POST /p2p/dht/put", s.handleDHTPut)
	mux.HandleFunc("POST /p2p/gossip", s.handleGossip)
	mux.HandleFunc("GET /p2p/bootstrap", s.handleBootstrap)
	mux.HandleFunc("GET /p2p/health", s.handleHealth)
	mux.HandleFunc("GET /p2p/stats", s.handleStats)
}

type pingRequest struct {
	From string `json:"from"`
}

type pingResponse struct {
	Pong      bool   `json:"pong"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Peer      string `json:"peer"`
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, pingResponse{
		Pong:      true,
		From:      req.From,
		Timestamp: time.Now().UnixMilli(),
		Peer:      s.cfg.SelfPeerID,
	})
}

type infoResponse struct {
	PeerID      string   `json:"peerId"`
	NodeID      string   `json:"nodeId"`
	Services    []string `json:"services"`
	Region      string   `json:"region"`
	AgentID     string   `json:"agentId"`
	Endpoint    string   `json:"endpoint"`
	Connections int      `json:"connections"`
	Peers       int      `json:"peers"`
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		PeerID:   s.cfg.SelfPeerID,
		NodeID:   s.cfg.SelfNodeID,
		Services: s.cfg.Services,
		Region:   s.cfg.Region,
		Endpoint: s.cfg.Endpoint,
	}
	if s.cfg.Discovery != nil {
		resp.Connections = len(s.cfg.Discovery.ConnectedPeers())
	}
	if s.cfg.Store != nil {
		resp.Peers = s.cfg.Store.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

type peerWire struct {
	PeerID    string   `json:"peerId"`
	NodeID    string   `json:"nodeId"`
	Endpoint  string   `json:"endpoint"`
	Services  []string `json:"services"`
	Region    string   `json:"region"`
	Latency   float64  `json:"latency"`
	Score     float64  `json:"score"`
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, []peerWire{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	service := r.URL.Query().Get("service")

	peers := s.cfg.Store.GetTopPeers(limit, service)
	out := make([]peerWire, 0, len(peers))
	for _, p := range peers {
		_, sc, err := s.cfg.Store.Get(p.PeerID)
		if err != nil {
			continue
		}
		endpoint := ""
		if len(p.Addresses) > 0 {
			endpoint = p.Addresses[0]
		}
		out = append(out, peerWire{
			PeerID:   p.PeerID,
			NodeID:   p.NodeID,
			Endpoint: endpoint,
			Services: keys(p.Services),
			Region:   p.Region,
			Latency:  sc.LatencyEMA,
			Score:    sc.Overall,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

type dhtRecordWire struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Publisher string `json:"publisher"`
	Timestamp int64  `json:"timestamp"`
	TTL       int64  `json:"ttl"`
}

func (s *Service) handleDHTGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" || s.cfg.DHT == nil {
		http.NotFound(w, r)
		return
	}
	rec, ok := s.cfg.DHT.GetLocal(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, dhtRecordWire{
		Key: rec.Key, Value: rec.Value, Publisher: rec.Publisher,
		Timestamp: rec.Timestamp.UnixMilli(), TTL: rec.TTL.Milliseconds(),
	})
}

func (s *Service) handleDHTPut(w http.ResponseWriter, r *http.Request) {
	var wire dhtRecordWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid record", http.StatusBadRequest)
		return
	}
	if s.cfg.DHT == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.cfg.DHT.PutLocal(discover.Record{
		Key:       wire.Key,
		Value:     wire.Value,
		Publisher: wire.Publisher,
		Timestamp: time.UnixMilli(wire.Timestamp),
		TTL:       time.Duration(wire.TTL) * time.Millisecond,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DHTRecords.Set(float64(s.cfg.DHT.LocalSize()))
	}
	w.WriteHeader(http.StatusAccepted)
}

type gossipEnvelope struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	From      string `json:"from"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Seqno     uint64 `json:"seqno"`
	Signature string `json:"signature,omitempty"`
}

func (s *Service) handleGossip(w http.ResponseWriter, r *http.Request) {
	var env gossipEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid gossip envelope", http.StatusBadRequest)
		return
	}
	if s.cfg.Mesh == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.cfg.Mesh.Receive(gossip.WireMessage{
		Kind:      "publish",
		Topic:     env.Topic,
		ID:        env.ID,
		Data:      env.Data,
		Sender:    env.From,
		Timestamp: time.UnixMilli(env.Timestamp),
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bootstrap == nil {
		writeJSON(w, http.StatusOK, []bootstrap.Seed{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Bootstrap.Seeds())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peerId": s.cfg.SelfPeerID})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"peerId": s.cfg.SelfPeerID,
	}
	if s.cfg.Store != nil {
		stats["peers"] = s.cfg.Store.Len()
	}
	if s.cfg.Discovery != nil {
		stats["connections"] = len(s.cfg.Discovery.ConnectedPeers())
	}
	if s.cfg.Table != nil {
		stats["routingTableSize"] = s.cfg.Table.Size()
	}
	if s.cfg.DHT != nil {
		stats["dhtRecords"] = s.cfg.DHT.LocalSize()
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
