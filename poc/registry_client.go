package poc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPRegistryClient is the concrete RegistryClient used outside tests:
// a plain HTTP client against the hardware-alliance registry's REST
// surface, following the same minimal-JSON-client shape as
// `p2p.HTTPDialer` (itself modeled on the teacher's `pkg/rpc` client
// construction).
type HTTPRegistryClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPRegistryClient creates a registry client against baseURL.
func NewHTTPRegistryClient(baseURL string, timeout time.Duration) *HTTPRegistryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistryClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

type registryEntryWire struct {
	HardwareIDHash    string   `json:"hardwareIdHash"`
	Level             int      `json:"level"`
	CloudProvider     string   `json:"cloudProvider"`
	Region            string   `json:"region"`
	EvidenceHashes    []string `json:"evidenceHashes"`
	Endorsements      []string `json:"endorsements"`
	VerifiedAt        int64    `json:"verifiedAt"`
	LastVerifiedAt    int64    `json:"lastVerifiedAt"`
	MonitoringCadence int64    `json:"monitoringCadenceMs"`
	Active            bool     `json:"active"`
	Revoked           bool     `json:"revoked"`
}

// CheckHardware implements RegistryClient.
func (c *HTTPRegistryClient) CheckHardware(ctx context.Context, hardwareIDHash string) (*RegistryEntry, error) {
	u := fmt.Sprintf("%s/registry/hardware/%s", c.baseURL, url.PathEscape(hardwareIDHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building registry request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	var wire registryEntryWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding registry response: %w", err)
	}
	return &RegistryEntry{
		HardwareIDHash:    wire.HardwareIDHash,
		Level:             Level(wire.Level),
		CloudProvider:     wire.CloudProvider,
		Region:            wire.Region,
		EvidenceHashes:    wire.EvidenceHashes,
		Endorsements:      wire.Endorsements,
		VerifiedAt:        time.UnixMilli(wire.VerifiedAt),
		LastVerifiedAt:    time.UnixMilli(wire.LastVerifiedAt),
		MonitoringCadence: time.Duration(wire.MonitoringCadence) * time.Millisecond,
		Active:            wire.Active,
		Revoked:           wire.Revoked,
	}, nil
}

// NeedsReverification implements RegistryClient.
func (c *HTTPRegistryClient) NeedsReverification(ctx context.Context, agentID string) (bool, error) {
	u := fmt.Sprintf("%s/registry/agents/%s/needs-reverification", c.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("building reverification request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying reverification status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("reverification check returned status %d", resp.StatusCode)
	}
	var wire struct {
		NeedsReverification bool `json:"needsReverification"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return false, fmt.Errorf("decoding reverification response: %w", err)
	}
	return wire.NeedsReverification, nil
}
