package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dws-network/dws-core/internal/idhash"
)

func TestTableAddRejectsSelf(t *testing.T) {
	table := NewTable("self")
	ok := table.Add(NodeEntry{PeerID: "self", Address: "http://self"})
	require.False(t, ok)
	require.Equal(t, 0, table.Size())
}

func TestTableAddAndFindClosest(t *testing.T) {
	table := NewTable("self")
	for i := 0; i < 5; i++ {
		ok := table.Add(NodeEntry{PeerID: randomHex(8), Address: "http://peer"})
		require.True(t, ok)
	}
	require.Equal(t, 5, table.Size())

	closest := table.FindClosest("self", 3)
	require.Len(t, closest, 3)
}

func TestTableAddRefreshesExistingEntry(t *testing.T) {
	table := NewTable("self")
	require.True(t, table.Add(NodeEntry{PeerID: "QmPeer", Address: "http://v1"}))
	require.True(t, table.Add(NodeEntry{PeerID: "QmPeer", Address: "http://v2"}))

	require.Equal(t, 1, table.Size())
	nodes := table.AllNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "http://v2", nodes[0].Address)
}

func TestTableAddEvictsOldestOnFullBucket(t *testing.T) {
	table := NewTable("self")

	// Find BucketSize+1 peer-ids that all land in the same bucket as the
	// first one generated, by bucketIndex.
	var entries []string
	idx := -1
	for len(entries) < BucketSize+1 {
		id := randomHex(8)
		candidateIdx := table.bucketIndex(id)
		if candidateIdx < 0 {
			continue
		}
		if idx == -1 {
			idx = candidateIdx
		}
		if candidateIdx != idx {
			continue
		}
		entries = append(entries, id)
	}

	for _, id := range entries {
		require.True(t, table.Add(NodeEntry{PeerID: id, Address: "http://" + id}))
	}

	b := table.buckets[idx]
	require.Len(t, b.entries, BucketSize)
	// The first-added entry should have been FIFO-evicted.
	for _, e := range b.entries {
		require.NotEqual(t, entries[0], e.PeerID)
	}
}

func TestTableRemove(t *testing.T) {
	table := NewTable("self")
	table.Add(NodeEntry{PeerID: "QmPeer", Address: "http://peer"})
	require.Equal(t, 1, table.Size())

	table.Remove("QmPeer")
	require.Equal(t, 0, table.Size())
}

func TestXORDistanceIdenticalKeysIsZero(t *testing.T) {
	var a [32]byte
	for i := range a {
		a[i] = byte(i)
	}
	require.Equal(t, 0, XORDistance(a, a))
}

func TestXORDistanceDiffersOnHighBit(t *testing.T) {
	var a, b [32]byte
	b[0] = 0x80
	require.Equal(t, 256, XORDistance(a, b))
}

func TestFindClosestOrdersAscendingByDistance(t *testing.T) {
	table := NewTable("self")
	for i := 0; i < 20; i++ {
		table.Add(NodeEntry{PeerID: randomHex(8), Address: "http://peer", LastSeen: time.Now()})
	}

	closest := table.FindClosest("target", table.Size())
	require.NotEmpty(t, closest)

	targetKey := idhash.Key256("target")
	for i := 1; i < len(closest); i++ {
		prevKey := idhash.Key256(closest[i-1].PeerID)
		curKey := idhash.Key256(closest[i].PeerID)
		require.True(t, xorLess(targetKey, prevKey, curKey) || !xorLess(targetKey, curKey, prevKey),
			"entry %d is closer to target than entry %d, not ascending", i, i-1)
	}
}
