package p2p

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dws-network/dws-core/p2p/gossip"
	"github.com/dws-network/dws-core/p2p/peerstore"
)

// GossipSender implements gossip.Sender over the same plain-HTTP
// control plane HTTPDialer uses, resolving a peerID to an address via
// the peer store before POSTing to its /p2p/gossip endpoint (the
// sending half of Service.handleGossip).
type GossipSender struct {
	store  *peerstore.Store
	client *http.Client
}

// NewGossipSender creates a GossipSender backed by store for address
// resolution.
func NewGossipSender(store *peerstore.Store, timeout time.Duration) *GossipSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GossipSender{store: store, client: &http.Client{Timeout: timeout}}
}

// Send implements gossip.Sender.
func (g *GossipSender) Send(peerID string, msg gossip.WireMessage) error {
	peer, _, err := g.store.Get(peerID)
	if err != nil {
		return fmt.Errorf("p2p: resolving gossip peer %s: %w", peerID, err)
	}
	if len(peer.Addresses) == 0 {
		return fmt.Errorf("p2p: peer %s has no known address", peerID)
	}

	env := gossipEnvelope{
		ID:        msg.ID,
		Topic:     msg.Topic,
		From:      msg.Sender,
		Data:      msg.Data,
		Timestamp: msg.Timestamp.UnixMilli(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("p2p: marshaling gossip envelope: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, peer.Addresses[0]+"/p2p/gossip", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("p2p: sending gossip to %s: %w", peerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("p2p: gossip post to %s: status %d", peerID, resp.StatusCode)
	}
	return nil
}
