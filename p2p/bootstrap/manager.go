// Package bootstrap keeps a healthy pool of seed peers to feed P2P
// Discovery. Each source (hardcoded, DNS, on-chain registry) resolves
// independently so a failure in one never blocks the others, adapted
// from the teacher's DNS-tree resolver (pkg/p2p/dnsdisc/client.go),
// whose Resolver-interface abstraction and cache-of-discovered-nodes
// shape this package follows (base spec §4.2).
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dws-network/dws-core/internal/log"
)

// Seed is one bootstrap candidate peer.
type Seed struct {
	PeerID      string
	Address     string
	Source      string // "hardcoded", "dns", "registry"
	Healthy     bool
	LatencyMs   float64
	LastChecked time.Time
}

// DoHResolver abstracts DNS-over-HTTPS TXT lookups so tests can supply
// a fake without touching the network, mirroring the teacher's
// Resolver interface for DNS-tree lookups.
type DoHResolver interface {
	LookupTXT(ctx context.Context, domain string) ([]string, error)
}

// RegistryClient abstracts the on-chain "agents-by-type" read and the
// per-agent metadata fetch.
type RegistryClient interface {
	AgentsByType(ctx context.Context, agentType string) ([]string, error)
	FetchMetadata(ctx context.Context, agentID string) (map[string]any, error)
}

// Pinger is the health-check capability the manager needs from the
// transport layer (base spec §4.2 "POST /p2p/ping").
type Pinger interface {
	Ping(ctx context.Context, addr string) (latencyMs float64, err error)
}

// Config wires a Manager to its sources and behavior knobs.
type Config struct {
	HardcodedSeeds  []Seed
	DNSSeeds        []string // _dnsaddr.* domains
	DNS             DoHResolver
	Registry        RegistryClient
	RegistryTypes   []string
	Pinger          Pinger
	RefreshInterval time.Duration // default 5m
	RetryInterval   time.Duration // default 10s (BOOTSTRAP_RETRY_INTERVAL)
	MaxPeers        int           // default 50
	Logger          *log.Logger
}

// Manager discovers and health-checks bootstrap seed peers from three
// independent sources (base spec §4.2).
type Manager struct {
	hardcoded []Seed
	dnsSeeds  []string
	dns       DoHResolver
	registry  RegistryClient
	regTypes  []string
	pinger    Pinger
	logger    *log.Logger

	refreshInterval time.Duration
	retryInterval   time.Duration
	maxPeers        int

	mu    sync.RWMutex
	seeds map[string]*Seed

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Manager, applying defaults for zero-valued fields.
func New(cfg Config) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Module("bootstrap")
	} else {
		logger = logger.Module("bootstrap")
	}

	m := &Manager{
		dnsSeeds:        cfg.DNSSeeds,
		dns:             cfg.DNS,
		registry:        cfg.Registry,
		regTypes:        cfg.RegistryTypes,
		pinger:          cfg.Pinger,
		logger:          logger,
		refreshInterval: cfg.RefreshInterval,
		retryInterval:   cfg.RetryInterval,
		maxPeers:        cfg.MaxPeers,
		seeds:           make(map[string]*Seed),
	}
	for _, s := range cfg.HardcodedSeeds {
		s.Source = "hardcoded"
		s.Healthy = true
		m.hardcoded = append(m.hardcoded, s)
		cp := s
		m.seeds[s.PeerID] = &cp
	}
	return m
}

// Start performs one immediate refresh, then continues on
// refreshInterval (base spec §4.2 "Lifecycle").
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshWithRetry(ctx)

		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refresh(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// refreshWithRetry performs the initial refresh; if every source
// fails, it schedules retries every retryInterval until one succeeds
// or the context is cancelled (base spec §4.2 "Failure semantics").
func (m *Manager) refreshWithRetry(ctx context.Context) {
	if m.refresh(ctx) {
		return
	}
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.refresh(ctx) {
				return
			}
		}
	}
}

// refresh concurrently launches the DNS source, the registry source,
// and health-checks every known seed; afterwards it drops any
// non-hardcoded peer whose last health check failed and trims to
// maxPeers preferring healthy/lowest-latency peers (base spec §4.2).
// Returns true if at least one source or health check succeeded.
func (m *Manager) refresh(ctx context.Context) bool {
	var anyOK bool
	var mu sync.Mutex
	note := func(ok bool) {
		if !ok {
			return
		}
		mu.Lock()
		anyOK = true
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		note(m.refreshDNS(gctx))
		return nil
	})
	g.Go(func() error {
		note(m.refreshRegistry(gctx))
		return nil
	})
	_ = g.Wait()

	note(m.healthCheckAll(ctx))

	m.pruneUnhealthy()
	m.trim()
	return anyOK
}

// refreshDNS queries each configured _dnsaddr.* domain over DoH and
// extracts dnsaddr=<multiaddr> values (base spec §4.2 source 2).
func (m *Manager) refreshDNS(ctx context.Context) bool {
	if m.dns == nil || len(m.dnsSeeds) == 0 {
		return false
	}
	ok := false
	for _, domain := range m.dnsSeeds {
		txts, err := m.dns.LookupTXT(ctx, domain)
		if err != nil {
			m.logger.Warn("dns bootstrap source failed", "domain", domain, "error", err)
			continue
		}
		for _, txt := range txts {
			addr, found := extractDNSAddr(txt)
			if !found {
				continue
			}
			m.upsertSeed(Seed{PeerID: addr, Address: addr, Source: "dns"})
			ok = true
		}
	}
	return ok
}

func extractDNSAddr(txt string) (string, bool) {
	const prefix = "dnsaddr="
	if !strings.HasPrefix(txt, prefix) {
		return "", false
	}
	return strings.TrimPrefix(txt, prefix), true
}

// ipfsGateway is the default HTTP gateway used to rewrite ipfs://CID
// metadata URIs (base spec §4.2 source 3).
const ipfsGateway = "https://ipfs.io/ipfs/"

// refreshRegistry reads the on-chain agents-by-type list, fetches each
// agent's metadata blob, and adopts any multiaddr field found within
// (base spec §4.2 source 3).
func (m *Manager) refreshRegistry(ctx context.Context) bool {
	if m.registry == nil {
		return false
	}
	ok := false
	for _, agentType := range m.regTypes {
		agents, err := m.registry.AgentsByType(ctx, agentType)
		if err != nil {
			m.logger.Warn("registry bootstrap source failed", "agentType", agentType, "error", err)
			continue
		}
		for _, agentID := range agents {
			meta, err := m.registry.FetchMetadata(ctx, agentID)
			if err != nil {
				continue
			}
			addr, found := extractMultiaddr(meta)
			if !found {
				continue
			}
			m.upsertSeed(Seed{PeerID: agentID, Address: addr, Source: "registry"})
			ok = true
		}
	}
	return ok
}

func extractMultiaddr(meta map[string]any) (string, bool) {
	raw, ok := meta["multiaddr"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "ipfs://") {
		s = ipfsGateway + strings.TrimPrefix(s, "ipfs://")
	}
	return s, true
}

// healthCheckAll POSTs /p2p/ping to every known seed with a 5s timeout
// (base spec §4.2 "Health check").
func (m *Manager) healthCheckAll(ctx context.Context) bool {
	if m.pinger == nil {
		return false
	}
	m.mu.RLock()
	targets := make([]*Seed, 0, len(m.seeds))
	for _, s := range m.seeds {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	anyHealthy := false
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range targets {
		s := s
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, 5*time.Second)
			defer cancel()
			latencyMs, err := m.pinger.Ping(cctx, s.Address)

			m.mu.Lock()
			defer m.mu.Unlock()
			live, exists := m.seeds[s.PeerID]
			if !exists {
				return nil
			}
			live.LastChecked = time.Now()
			if err != nil {
				live.Healthy = false
				return nil
			}
			live.Healthy = true
			live.LatencyMs = latencyMs
			anyHealthy = true
			return nil
		})
	}
	_ = g.Wait()
	return anyHealthy
}

// pruneUnhealthy drops any non-hardcoded peer whose last health check
// failed (base spec §4.2 "Lifecycle").
func (m *Manager) pruneUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.seeds {
		if s.Source != "hardcoded" && !s.Healthy {
			delete(m.seeds, id)
		}
	}
}

// trim keeps at most maxPeers seeds, preferring healthy and
// lowest-latency peers, while never dropping hardcoded seeds (base
// spec §4.2 "Lifecycle").
func (m *Manager) trim() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.seeds) <= m.maxPeers {
		return
	}

	all := make([]*Seed, 0, len(m.seeds))
	for _, s := range m.seeds {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Source == "hardcoded" && b.Source != "hardcoded" {
			return true
		}
		if b.Source == "hardcoded" && a.Source != "hardcoded" {
			return false
		}
		if a.Healthy != b.Healthy {
			return a.Healthy
		}
		return a.LatencyMs < b.LatencyMs
	})

	keep := make(map[string]*Seed, m.maxPeers)
	for i := 0; i < len(all) && i < m.maxPeers; i++ {
		keep[all[i].PeerID] = all[i]
	}
	m.seeds = keep
}

func (m *Manager) upsertSeed(s Seed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.seeds[s.PeerID]; ok {
		existing.Address = s.Address
		return
	}
	cp := s
	m.seeds[s.PeerID] = &cp
}

// Seeds returns a snapshot of every currently known seed.
func (m *Manager) Seeds() []Seed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Seed, 0, len(m.seeds))
	for _, s := range m.seeds {
		out = append(out, *s)
	}
	return out
}

// HTTPDoHResolver is a DoHResolver implementation against a
// DNS-over-HTTPS JSON API (e.g. Cloudflare/Google), used when the
// process isn't configured with a fake resolver for testing.
type HTTPDoHResolver struct {
	Endpoint string // e.g. "https://cloudflare-dns.com/dns-query"
	client   *http.Client
}

// NewHTTPDoHResolver creates a resolver against the given DoH endpoint.
func NewHTTPDoHResolver(endpoint string) *HTTPDoHResolver {
	return &HTTPDoHResolver{Endpoint: endpoint, client: &http.Client{Timeout: 5 * time.Second}}
}

type dohAnswer struct {
	Answer []struct {
		Data string `json:"data"`
	} `json:"Answer"`
}

// LookupTXT queries the DoH JSON API for TXT records of domain.
func (r *HTTPDoHResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	url := fmt.Sprintf("%s?name=%s&type=TXT", r.Endpoint, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: doh query %s: status %d", domain, resp.StatusCode)
	}
	var parsed dohAnswer
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Answer))
	for _, a := range parsed.Answer {
		out = append(out, strings.Trim(a.Data, "\""))
	}
	return out, nil
}
