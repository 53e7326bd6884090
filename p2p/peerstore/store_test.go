package peerstore

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddPeerInitializesScore(t *testing.T) {
	s := New(Config{})
	p, err := s.AddPeer(PeerInfo{PeerID: "QmAlice", NodeID: "alice", Services: []string{"worker"}})
	require.NoError(t, err)
	require.Equal(t, "alice", p.NodeID)

	_, sc, err := s.Get("QmAlice")
	require.NoError(t, err)
	require.Equal(t, 50.0, sc.Reputation)
	require.InDelta(t, 50.0, sc.Overall, 0.01)
}

func TestUpdateScoreClampsReputation(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{PeerID: "QmBob"})
	require.NoError(t, err)

	delta := 1000.0
	require.NoError(t, s.UpdateScore("QmBob", ScoreUpdate{ReputationDelta: &delta}))

	_, sc, err := s.Get("QmBob")
	require.NoError(t, err)
	require.Equal(t, 100.0, sc.Reputation)
	require.GreaterOrEqual(t, sc.Overall, -100.0)
	require.LessOrEqual(t, sc.Overall, 150.0)
}

func TestApplyPenaltyForcesOverallNegative(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{PeerID: "QmEvil"})
	require.NoError(t, err)

	require.NoError(t, s.ApplyPenalty("QmEvil", time.Hour, "spam"))

	_, sc, err := s.Get("QmEvil")
	require.NoError(t, err)
	require.Equal(t, -100.0, sc.Overall)
	require.Equal(t, 40.0, sc.Reputation)
}

func TestRecordConnectionDisconnectionDerivesUptime(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{PeerID: "QmCarl"})
	require.NoError(t, err)

	require.NoError(t, s.RecordConnection("QmCarl"))
	require.NoError(t, s.RecordDisconnection("QmCarl", "timeout"))
	require.NoError(t, s.RecordConnection("QmCarl"))

	p, sc, err := s.Get("QmCarl")
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.ConnectCount)
	require.Equal(t, uint64(1), p.DisconnectCount)
	require.InDelta(t, 2.0/3.0, sc.Uptime, 0.01)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{
		PeerID:  "QmDana",
		NodeID:  "dana",
		Region:  "us-east",
		AgentID: big.NewInt(42),
	})
	require.NoError(t, err)
	require.NoError(t, s.RecordConnection("QmDana"))

	snap := s.ExportPeers()

	s2 := New(Config{})
	require.NoError(t, s2.ImportPeers(snap))

	p1, sc1, err := s.Get("QmDana")
	require.NoError(t, err)
	p2, sc2, err := s2.Get("QmDana")
	require.NoError(t, err)

	require.Equal(t, p1.NodeID, p2.NodeID)
	require.Equal(t, p1.Region, p2.Region)
	require.Equal(t, p1.AgentID.String(), p2.AgentID.String())
	require.Equal(t, sc1.Overall, sc2.Overall)
}

func TestPruneStaleRemovesOldPeers(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{PeerID: "QmOld"})
	require.NoError(t, err)

	s.mu.Lock()
	s.peers["QmOld"].LastSeen = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	removed := s.PruneStale(time.Hour)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, s.Len())
}

func TestGetTopPeersFiltersByService(t *testing.T) {
	s := New(Config{})
	_, err := s.AddPeer(PeerInfo{PeerID: "QmW1", Services: []string{"worker"}})
	require.NoError(t, err)
	_, err = s.AddPeer(PeerInfo{PeerID: "QmW2", Services: []string{"container"}})
	require.NoError(t, err)

	top := s.GetTopPeers(10, "worker")
	require.Len(t, top, 1)
	require.Equal(t, "QmW1", top[0].PeerID)
}
