package discover

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// dhtOpTimeout bounds every outbound DHT put/get RPC (base spec §5).
const dhtOpTimeout = 5 * time.Second

// dhtQueryConcurrency is the number of closest peers queried in parallel
// on a cache miss (base spec §4.3).
const dhtQueryConcurrency = 3

// dhtReplicationFactor is how many closest peers receive a put (base
// spec §3 "DHT Record").
const dhtReplicationFactor = 20

// Record is a DHT key/value entry with publisher attribution and TTL
// (base spec §3 "DHT Record").
type Record struct {
	Key       string
	Value     []byte
	Publisher string
	Timestamp time.Time
	TTL       time.Duration
}

// Expired reports whether the record has passed timestamp+ttl.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.Timestamp.Add(r.TTL))
}

// PeerSummary is the minimal peer description the discovery layer
// exchanges over the wire for peer-list responses.
type PeerSummary struct {
	PeerID    string
	NodeID    string
	Address   string
	Services  []string
	Region    string
	LatencyMs float64
	Score     float64
}

// Dialer abstracts the outbound network calls Discovery and the DHT
// make against remote peers, so the concrete HTTP transport can be
// injected at construction (base spec §9 "dynamic callback closures").
type Dialer interface {
	Ping(ctx context.Context, addr string) (latencyMs float64, err error)
	FetchInfo(ctx context.Context, addr string) (NodeInfo, error)
	FetchPeers(ctx context.Context, addr string, limit int, service string) ([]PeerSummary, error)
	PutRecord(ctx context.Context, addr string, rec Record) error
	GetRecord(ctx context.Context, addr string, key string) (Record, bool, error)
}

// NodeInfo is what /p2p/info reports about a remote node.
type NodeInfo struct {
	PeerID      string
	NodeID      string
	Services    []string
	Region      string
	Endpoint    string
	Connections int
}

// DHT is the local record store plus the replication/query logic that
// spreads and retrieves records across the closest peers by XOR
// distance (base spec §4.3).
type DHT struct {
	mu     sync.RWMutex
	local  map[string]Record
	table  *Table
	dialer Dialer
	selfID string
}

// NewDHT creates a DHT bound to the given routing table and dialer.
func NewDHT(selfID string, table *Table, dialer Dialer) *DHT {
	return &DHT{
		local:  make(map[string]Record),
		table:  table,
		dialer: dialer,
		selfID: selfID,
	}
}

// Put stores a record locally and concurrently replicates it to the 20
// closest live peers, each bounded by a 5s timeout (base spec §4.3).
func (d *DHT) Put(ctx context.Context, key string, value []byte, ttl time.Duration) Record {
	rec := Record{Key: key, Value: value, Publisher: d.selfID, Timestamp: time.Now(), TTL: ttl}

	d.mu.Lock()
	d.local[key] = rec
	d.mu.Unlock()

	targets := d.table.FindClosest(key, dhtReplicationFactor)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		addr := t.Address
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, dhtOpTimeout)
			defer cancel()
			// Replication to any one peer is best-effort; a failed put
			// never fails the overall Put (base spec §4.3 "replication
			// factor" is a target, not a quorum requirement).
			_ = d.dialer.PutRecord(cctx, addr, rec)
			return nil
		})
	}
	_ = g.Wait()
	return rec
}

// PutLocal stores a record inbound from a remote publisher without
// triggering replication (used by the HTTP handler for POST /p2p/dht/put).
func (d *DHT) PutLocal(rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local[rec.Key] = rec
}

// GetLocal returns an unexpired local record, if any.
func (d *DHT) GetLocal(key string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.local[key]
	if !ok || rec.Expired(time.Now()) {
		return Record{}, false
	}
	return rec, true
}

// Get returns the local copy if present and unexpired; otherwise it
// queries the 3 closest peers concurrently and caches the first
// unexpired response (base spec §4.3, §8 invariant 4).
func (d *DHT) Get(ctx context.Context, key string) (Record, bool) {
	if rec, ok := d.GetLocal(key); ok {
		return rec, true
	}

	targets := d.table.FindClosest(key, dhtQueryConcurrency)
	if len(targets) == 0 {
		return Record{}, false
	}

	type response struct {
		rec Record
		ok  bool
	}
	results := make(chan response, len(targets))
	for _, t := range targets {
		go func(addr string) {
			cctx, cancel := context.WithTimeout(ctx, dhtOpTimeout)
			defer cancel()
			rec, ok, err := d.dialer.GetRecord(cctx, addr, key)
			if err != nil {
				results <- response{}
				return
			}
			results <- response{rec: rec, ok: ok}
		}(t.Address)
	}

	for range targets {
		r := <-results
		if r.ok && !r.rec.Expired(time.Now()) {
			d.mu.Lock()
			d.local[key] = r.rec
			d.mu.Unlock()
			return r.rec, true
		}
	}
	return Record{}, false
}

// LocalSize returns the number of records currently stored locally.
func (d *DHT) LocalSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.local)
}
