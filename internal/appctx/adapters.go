// Package appctx wires every subsystem package into one process-owned
// handle, the idiomatic composition-root pattern the teacher uses in
// its own node bootstrap (cmd/node main wiring Config -> Server ->
// subsystem constructors in sequence) rather than a DI framework.
package appctx

import (
	"github.com/dws-network/dws-core/p2p/peerstore"
)

// peerScoreAdapter satisfies both gossip.ScoreUpdater and
// poc.ReputationUpdater over the single peer store, translating each
// caller's narrow float delta into the store's ScoreUpdate shape so
// neither the gossip mesh nor the PoC verifier needs to import
// p2p/peerstore directly.
type peerScoreAdapter struct {
	store *peerstore.Store
}

// UpdateScore implements gossip.ScoreUpdater.
func (a *peerScoreAdapter) UpdateScore(peerID string, deliverySample float64) error {
	return a.store.UpdateScore(peerID, peerstore.ScoreUpdate{DeliverySample: &deliverySample})
}

// ApplyReputationDelta implements poc.ReputationUpdater.
func (a *peerScoreAdapter) ApplyReputationDelta(peerID string, delta float64) error {
	return a.store.UpdateScore(peerID, peerstore.ScoreUpdate{ReputationDelta: &delta})
}
