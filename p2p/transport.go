// Package p2p assembles the Peer Store, Discovery, Gossip and Bootstrap
// subsystems behind the /p2p/* HTTP control surface (base spec §4.3,
// §6). This file provides the concrete outbound transport the
// discover.Dialer and bootstrap health-checks use to reach remote
// peers, grounded on the teacher's RPC client dialing conventions
// (pkg/rpc client construction) adapted to this spec's plain-HTTP
// control plane instead of JSON-RPC.
package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dws-network/dws-core/p2p/discover"
)

// HTTPDialer implements discover.Dialer (and the subset of methods the
// bootstrap health-checker needs) over plain HTTP against peers'
// /p2p/* control endpoints.
type HTTPDialer struct {
	client *http.Client
}

// NewHTTPDialer creates a dialer with the given per-request timeout
// used as the http.Client's default; callers still pass a context
// deadline per call.
func NewHTTPDialer(timeout time.Duration) *HTTPDialer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDialer{client: &http.Client{Timeout: timeout}}
}

// Ping measures round-trip latency to a peer's /p2p/ping endpoint in
// milliseconds (base spec §4.3, §6).
func (h *HTTPDialer) Ping(ctx context.Context, addr string) (float64, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/p2p/ping", nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("p2p: ping %s: status %d", addr, resp.StatusCode)
	}
	return float64(time.Since(start).Microseconds()) / 1000.0, nil
}

type nodeInfoWire struct {
	PeerID      string   `json:"peerId"`
	NodeID      string   `json:"nodeId"`
	Services    []string `json:"services"`
	Region      string   `json:"region"`
	Endpoint    string   `json:"endpoint"`
	Connections int      `json:"connections"`
}

// FetchInfo retrieves a peer's self-description from /p2p/info.
func (h *HTTPDialer) FetchInfo(ctx context.Context, addr string) (discover.NodeInfo, error) {
	var wire nodeInfoWire
	if err := h.getJSON(ctx, addr+"/p2p/info", &wire); err != nil {
		return discover.NodeInfo{}, err
	}
	return discover.NodeInfo{
		PeerID:      wire.PeerID,
		NodeID:      wire.NodeID,
		Services:    wire.Services,
		Region:      wire.Region,
		Endpoint:    wire.Endpoint,
		Connections: wire.Connections,
	}, nil
}

type peerSummaryWire struct {
	PeerID    string   `json:"peerId"`
	NodeID    string   `json:"nodeId"`
	Address   string   `json:"endpoint"`
	Services  []string `json:"services"`
	Region    string   `json:"region"`
	LatencyMs float64  `json:"latency"`
	Score     float64  `json:"score"`
}

// FetchPeers retrieves a peer's known peer list from /p2p/peers,
// optionally filtered server-side by service.
func (h *HTTPDialer) FetchPeers(ctx context.Context, addr string, limit int, service string) ([]discover.PeerSummary, error) {
	url := fmt.Sprintf("%s/p2p/peers?limit=%d", addr, limit)
	if service != "" {
		url += "&service=" + service
	}
	var wire []peerSummaryWire
	if err := h.getJSON(ctx, url, &wire); err != nil {
		return nil, err
	}
	out := make([]discover.PeerSummary, 0, len(wire))
	for _, w := range wire {
		out = append(out, discover.PeerSummary{
			PeerID:    w.PeerID,
			NodeID:    w.NodeID,
			Address:   w.Address,
			Services:  w.Services,
			Region:    w.Region,
			LatencyMs: w.LatencyMs,
			Score:     w.Score,
		})
	}
	return out, nil
}

type recordWire struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Publisher string `json:"publisher"`
	Timestamp int64  `json:"timestamp"`
	TTLMs     int64  `json:"ttl"`
}

// PutRecord replicates a DHT record to a remote peer's /p2p/dht/put.
func (h *HTTPDialer) PutRecord(ctx context.Context, addr string, rec discover.Record) error {
	wire := recordWire{
		Key:       rec.Key,
		Value:     rec.Value,
		Publisher: rec.Publisher,
		Timestamp: rec.Timestamp.UnixMilli(),
		TTLMs:     rec.TTL.Milliseconds(),
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/p2p/dht/put", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("p2p: put %s: status %d", addr, resp.StatusCode)
	}
	return nil
}

// GetRecord queries a remote peer's /p2p/dht/get for a key.
func (h *HTTPDialer) GetRecord(ctx context.Context, addr, key string) (discover.Record, bool, error) {
	url := fmt.Sprintf("%s/p2p/dht/get?key=%s", addr, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return discover.Record{}, false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return discover.Record{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return discover.Record{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return discover.Record{}, false, fmt.Errorf("p2p: get %s: status %d", addr, resp.StatusCode)
	}

	var wire recordWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return discover.Record{}, false, err
	}
	return discover.Record{
		Key:       wire.Key,
		Value:     wire.Value,
		Publisher: wire.Publisher,
		Timestamp: time.UnixMilli(wire.Timestamp),
		TTL:       time.Duration(wire.TTLMs) * time.Millisecond,
	}, true, nil
}

func (h *HTTPDialer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("p2p: GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
